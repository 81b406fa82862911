package flow

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -source=$GOFILE -destination=mock_$GOFILE -package=$GOPACKAGE

import (
	"fmt"
	"io"

	"github.com/pkg/browser"
)

// Prompter is how a flow reaches the user.
type Prompter interface {
	DisplayUserCode(userCode, verificationURI string)
	OpenBrowser(url string) error
}

// ConsolePrompter prints device codes to a terminal and opens URLs in
// the system browser.
type ConsolePrompter struct {
	out  io.Writer
	open func(url string) error
}

// NewConsolePrompter returns a ConsolePrompter writing to out.
func NewConsolePrompter(out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{out: out, open: browser.OpenURL}
}

func (p *ConsolePrompter) DisplayUserCode(userCode, verificationURI string) {
	fmt.Fprintf(p.out, "\nTo sign in, open %s\nand confirm the code: %s\n\n", verificationURI, userCode)
}

func (p *ConsolePrompter) OpenBrowser(url string) error {
	if err := p.open(url); err != nil {
		fmt.Fprintf(p.out, "Could not open a browser. Visit this URL to continue:\n%s\n", url)
		return err
	}

	return nil
}
