package snapshot

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// New creates a source based on kind and a generic configuration map.
//
// Supported kinds:
//   - "http": Firebase-style REST document ("url", "path", "auth", "select", "timeout")
//   - "redis": Redis hash ("addr", "password", "db", "key", "timeout")
//
// Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string) (Source, error) {
	switch kind {
	case "http":
		return newHTTP(config)
	case "redis":
		return newRedis(config)
	default:
		return nil, fmt.Errorf("unknown snapshot source kind: %s (must be http or redis)", kind)
	}
}

func newHTTP(config map[string]string) (Source, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http source requires 'url' config")
	}

	timeout, err := parseTimeout(config["timeout"])
	if err != nil {
		return nil, err
	}

	return &HTTPSource{
		BaseURL:    url,
		Path:       config["path"],
		Auth:       config["auth"],
		Select:     config["select"],
		HTTPClient: &http.Client{Timeout: timeout},
	}, nil
}

func newRedis(config map[string]string) (Source, error) {
	addr := config["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	db := 0
	if v := config["db"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid 'db' config: %w", err)
		}
		db = n
	}

	timeout, err := parseTimeout(config["timeout"])
	if err != nil {
		return nil, err
	}

	return NewRedisSource(addr, config["password"], db, config["key"], timeout)
}

func parseTimeout(v string) (time.Duration, error) {
	if v == "" {
		return DefaultTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid 'timeout' config: %w", err)
	}
	return timeoutOrDefault(d), nil
}
