package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// ValidationError reports a configuration problem that prevents startup.
type ValidationError struct {
	Field  string // Dotted path of the offending setting (e.g. "servers[0].categories")
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Validate checks the file for problems that make the mover unusable. All
// problems are returned at once, joined.
func (f *File) Validate() error {
	var errs []error

	invalid := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if len(f.Servers) == 0 {
		invalid("servers", "at least one server must be configured")
	}

	if f.RateLimitDelay < 0 {
		invalid("rate_limit_delay", "must not be negative")
	}

	if f.PollInterval <= 0 {
		invalid("poll_interval", "must be positive")
	}

	if f.LogFile != "" {
		if _, err := humanize.ParseBytes(f.MaxLogFileSize); err != nil {
			invalid("max_log_file_size", "cannot parse %q: %v", f.MaxLogFileSize, err)
		}
	}

	if f.MaxLogBackups < 0 {
		invalid("max_log_backups", "must not be negative")
	}

	names := make(map[string]int, len(f.Servers))

	for i, s := range f.Servers {
		field := fmt.Sprintf("servers[%d]", i)

		if prev, ok := names[s.Name]; ok {
			invalid(field+".name", "duplicate server name %q (also used by servers[%d])", s.Name, prev)
		}

		names[s.Name] = i

		switch s.Type {
		case ClientQBittorrent, ClientDeluge:
			if u, err := url.Parse(s.URL); err != nil || u.Scheme == "" || u.Host == "" {
				invalid(field+".url", "a valid http(s) URL is required, got %q", s.URL)
			}
		case ClientPutio:
			if s.Token == "" {
				invalid(field+".token", "a put.io token is required")
			}
		default:
			invalid(field+".type", "unknown client type %q", s.Type)
		}

		if len(s.Categories) == 0 {
			invalid(field+".categories", "at least one category mapping is required")
		}

		for category, dir := range s.Categories {
			switch {
			case strings.TrimSpace(category) == "":
				invalid(field+".categories", "category names must not be empty")
			case dir == "":
				invalid(field+".categories."+category, "destination directory must not be empty")
			case !filepath.IsAbs(dir):
				invalid(field+".categories."+category, "destination directory must be absolute, got %q", dir)
			}
		}

		if s.PathPrefix != "" && s.RootPath == "" {
			invalid(field+".path_prefix", "path_prefix requires root_path")
		}

		if s.RootPath != "" && s.PathPrefix == "" {
			invalid(field+".root_path", "root_path requires path_prefix")
		}

		if s.RateLimit() < 0 {
			invalid(field+".rate_limit_delay", "must not be negative")
		}

		if s.Interval() <= 0 {
			invalid(field+".poll_interval", "must be positive")
		}
	}

	return errors.Join(errs...)
}
