package idp

import (
	"html/template"
	"net/http"
)

// consentPage asks the user to allow or deny a sign-in. The csrf_token
// hidden field prevents cross-site form submission.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>toolkit-auth emulator</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  code { font-size: 0.9rem; }
  .actions { display: flex; gap: 0.5rem; }
  button {
    flex: 1;
    padding: 0.6rem;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    cursor: pointer;
  }
  button.allow { background: #1a1a1a; color: #fff; }
  button.deny { background: #e5e5e5; color: #1a1a1a; }
</style>
</head>
<body>
<div class="card">
  <h1>{{.Title}}</h1>
  <p class="sub">{{.Detail}}</p>
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    {{range $name, $value := .Fields}}<input type="hidden" name="{{$name}}" value="{{$value}}">
    {{end}}<div class="actions">
      <button class="allow" type="submit" name="action" value="approve">Allow</button>
      <button class="deny" type="submit" name="action" value="deny">Deny</button>
    </div>
  </form>
</div>
</body>
</html>`))

type consentData struct {
	Title     string
	Detail    string
	CSRFToken string
	Fields    map[string]string
}

func renderConsent(w http.ResponseWriter, store *Store, data consentData) {
	data.CSRFToken = RandomHex(16)
	store.SaveCSRF(data.CSRFToken)

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	_ = consentPage.Execute(w, data)
}
