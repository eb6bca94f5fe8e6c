package config

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultRateLimitDelay = 5 * time.Second
	DefaultPollInterval   = time.Minute
	DefaultMaxLogFileSize = "10M"
	DefaultMaxLogBackups  = 1
)

func defaultFile() *File {
	return &File{
		RateLimitDelay: Duration(DefaultRateLimitDelay),
		PollInterval:   Duration(DefaultPollInterval),
		MaxLogFileSize: DefaultMaxLogFileSize,
		MaxLogBackups:  DefaultMaxLogBackups,
	}
}

// normalize fills per-server settings from the process-wide ones and cleans
// up paths so the resolver can compare them component by component.
func (f *File) normalize() {
	f.LogFile = strings.TrimSpace(f.LogFile)
	if strings.TrimSpace(f.MaxLogFileSize) == "" {
		f.MaxLogFileSize = DefaultMaxLogFileSize
	}

	for i := range f.Servers {
		s := &f.Servers[i]

		s.Type = strings.ToLower(strings.TrimSpace(s.Type))
		if s.Type == "" {
			s.Type = ClientQBittorrent
		}

		s.URL = strings.TrimRight(strings.TrimSpace(s.URL), "/")

		if strings.TrimSpace(s.Name) == "" {
			s.Name = defaultServerName(s)
		}

		s.Name = strings.TrimSpace(s.Name)

		if s.Type == ClientDeluge && s.APIPath == "" {
			s.APIPath = "/json"
		}

		if s.RateLimitDelay == nil {
			d := f.RateLimitDelay
			s.RateLimitDelay = &d
		}

		if s.PollInterval == nil {
			d := f.PollInterval
			s.PollInterval = &d
		}

		if s.RootPath != "" {
			s.RootPath = filepath.Clean(s.RootPath)
		}

		if s.PathPrefix != "" {
			s.PathPrefix = filepath.Clean(s.PathPrefix)
		}

		for category, dir := range s.Categories {
			if dir = strings.TrimSpace(dir); dir != "" {
				dir = filepath.Clean(dir)
			}

			s.Categories[category] = dir
		}
	}
}

func defaultServerName(s *Server) string {
	if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
		return u.Host
	}

	return s.Type
}
