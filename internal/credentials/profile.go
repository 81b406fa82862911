package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/ini.v1"

	"github.com/alexjbarnes/toolkit-auth/internal/models"
)

const (
	ProfileFactoryID = "profile"

	profilePrefix   = "profile:"
	profileDebounce = 500 * time.Millisecond
)

// profile is one named profile after merging the config and
// credentials files. The credentials file wins on conflicting keys.
type profile struct {
	name   string
	keys   map[string]string
	typ    models.CredentialType
	region string
}

func (p profile) identifier() models.CredentialIdentifier {
	return models.CredentialIdentifier{
		ID:            profilePrefix + p.name,
		DisplayName:   profilePrefix + p.name,
		FactoryID:     ProfileFactoryID,
		Type:          p.typ,
		DefaultRegion: p.region,
	}
}

// fingerprint changes whenever any key of the profile changes.
func (p profile) fingerprint() string {
	names := make([]string, 0, len(p.keys))
	for k := range p.keys {
		names = append(names, k)
	}

	slices.Sort(names)

	var b strings.Builder
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.keys[k])
		b.WriteByte('\n')
	}

	return b.String()
}

// ProfileFactory reports the usable profiles in the shared AWS config and
// credentials files and follows edits to either file.
type ProfileFactory struct {
	configFile      string
	credentialsFile string
	logger          *slog.Logger

	mu    sync.Mutex
	known map[string]profile
}

// NewProfileFactory creates a factory over the given shared files.
func NewProfileFactory(configFile, credentialsFile string, logger *slog.Logger) *ProfileFactory {
	return &ProfileFactory{
		configFile:      filepath.Clean(configFile),
		credentialsFile: filepath.Clean(credentialsFile),
		logger:          logger,
		known:           make(map[string]profile),
	}
}

func (f *ProfileFactory) ID() string { return ProfileFactoryID }

// SetUp reports the current profiles, then watches both files until ctx
// is cancelled.
func (f *ProfileFactory) SetUp(ctx context.Context, listener Listener) error {
	if err := f.reload(listener); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	// Watch the directories: editors and the AWS CLI replace the files
	// rather than writing them in place, and the files may not exist yet.
	for _, dir := range f.watchDirs() {
		if err := watcher.Add(dir); err != nil {
			f.logger.Debug("not watching profile directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}

	go f.watch(ctx, watcher, listener)

	return nil
}

func (f *ProfileFactory) watchDirs() []string {
	dirs := []string{filepath.Dir(f.configFile), filepath.Dir(f.credentialsFile)}
	slices.Sort(dirs)

	return slices.Compact(dirs)
}

func (f *ProfileFactory) watch(ctx context.Context, watcher *fsnotify.Watcher, listener Listener) {
	defer watcher.Close()

	timer := time.NewTimer(profileDebounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Name != f.configFile && event.Name != f.credentialsFile {
				continue
			}

			timer.Reset(profileDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}

			f.logger.Warn("profile watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			if err := f.reload(listener); err != nil {
				f.logger.Warn("reloading profiles", slog.String("error", err.Error()))
			}
		}
	}
}

// reload re-reads both files and reports the difference against the
// last load.
func (f *ProfileFactory) reload(listener Listener) error {
	current, err := f.load()
	if err != nil {
		return err
	}

	f.mu.Lock()

	var ev models.CredentialsChangeEvent

	for name, p := range current {
		prev, ok := f.known[name]

		switch {
		case !ok:
			ev.Added = append(ev.Added, p.identifier())
		case prev.fingerprint() != p.fingerprint():
			ev.Modified = append(ev.Modified, p.identifier())
		}
	}

	for name, p := range f.known {
		if _, ok := current[name]; !ok {
			ev.Removed = append(ev.Removed, p.identifier())
		}
	}

	f.known = current
	f.mu.Unlock()

	if !ev.Empty() {
		listener(ev)
	}

	return nil
}

func (f *ProfileFactory) load() (map[string]profile, error) {
	opts := ini.LoadOptions{Loose: true, AllowNestedValues: true}

	cfgFile, err := ini.LoadSources(opts, f.configFile)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.configFile, err)
	}

	credsFile, err := ini.LoadSources(opts, f.credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.credentialsFile, err)
	}

	merged := make(map[string]map[string]string)

	for _, sec := range cfgFile.Sections() {
		name, ok := configProfileName(sec.Name())
		if !ok {
			continue
		}

		merged[name] = sectionKeys(sec, merged[name])
	}

	for _, sec := range credsFile.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		merged[sec.Name()] = sectionKeys(sec, merged[sec.Name()])
	}

	out := make(map[string]profile, len(merged))

	for name, keys := range merged {
		typ, ok := classify(keys)
		if !ok {
			continue
		}

		out[name] = profile{name: name, keys: keys, typ: typ, region: keys["region"]}
	}

	return out, nil
}

// configProfileName maps a config file section to a profile name.
// Sections like "sso-session x" and "services x" are not profiles.
func configProfileName(section string) (string, bool) {
	switch {
	case section == ini.DefaultSection:
		return "", false
	case section == "default":
		return "default", true
	case strings.HasPrefix(section, "profile "):
		return strings.TrimSpace(strings.TrimPrefix(section, "profile ")), true
	default:
		return "", false
	}
}

func sectionKeys(sec *ini.Section, into map[string]string) map[string]string {
	if into == nil {
		into = make(map[string]string)
	}

	for _, k := range sec.Keys() {
		into[k.Name()] = k.Value()
	}

	return into
}

func classify(keys map[string]string) (models.CredentialType, bool) {
	switch {
	case keys["role_arn"] != "" && (keys["source_profile"] != "" || keys["credential_source"] != ""):
		return models.CredentialTypeAssumeRole, true
	case keys["credential_process"] != "":
		return models.CredentialTypeProcess, true
	case keys["sso_session"] != "" || keys["sso_start_url"] != "":
		return models.CredentialTypeSSOProfile, true
	case keys["aws_access_key_id"] != "" && keys["aws_secret_access_key"] != "":
		if keys["aws_session_token"] != "" {
			return models.CredentialTypeStaticSession, true
		}

		return models.CredentialTypeStatic, true
	default:
		return "", false
	}
}

// CreateProvider resolves the profile through the SDK's shared config
// loader, so role chaining, credential_process and SSO profiles behave
// exactly as they do for the AWS CLI.
func (f *ProfileFactory) CreateProvider(ctx context.Context, id models.CredentialIdentifier, region string) (aws.CredentialsProvider, error) {
	name, ok := strings.CutPrefix(id.ID, profilePrefix)
	if !ok {
		return nil, fmt.Errorf("unknown profile identifier %q", id.ID)
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithSharedConfigProfile(name),
		config.WithSharedConfigFiles([]string{f.configFile}),
		config.WithSharedCredentialsFiles([]string{f.credentialsFile}),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", name, err)
	}

	return cfg.Credentials, nil
}
