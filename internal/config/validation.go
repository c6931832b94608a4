package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// InvalidField represents one rejected setting
type InvalidField struct {
	Key    string
	Value  string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	InvalidFields []InvalidField
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.InvalidFields) > 0
}

func (e *ValidationErrors) add(key string, value any, reason string) {
	e.InvalidFields = append(e.InvalidFields, InvalidField{
		Key:    key,
		Value:  fmt.Sprint(value),
		Reason: reason,
	})
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.InvalidFields) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, f := range e.InvalidFields {
			sb.WriteString(fmt.Sprintf("  - %s = %q (%s)\n", f.Key, f.Value, f.Reason))
		}
	}

	return sb.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateTransport(errs, c.Transport)
	validateWatch(errs, c.Watch)
	validateRetry(errs, c.Retry)

	if !ValidLevels[c.Logging.Level] {
		errs.add("logging.level", c.Logging.Level, "must be one of: "+validList(ValidLevels))
	}
	if c.Logging.Enabled && c.Logging.Directory == "" {
		errs.add("logging.directory", c.Logging.Directory, "required when logging is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs.add("metrics.addr", c.Metrics.Addr, "required when metrics are enabled")
	}
	validateDevServer(errs, c.DevServer)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateTransport(errs *ValidationErrors, t TransportConfig) {
	u, err := url.Parse(t.URL)
	switch {
	case t.URL == "":
		errs.add("transport.url", t.URL, "required")
	case err != nil:
		errs.add("transport.url", t.URL, err.Error())
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs.add("transport.url", t.URL, "scheme must be ws or wss")
	}

	if !ValidSubprotocols[t.Subprotocol] {
		errs.add("transport.subprotocol", t.Subprotocol, "must be one of: "+validList(ValidSubprotocols))
	}
	if t.Compression && t.Subprotocol != SubprotocolProtobuf {
		errs.add("transport.compression", t.Compression, "only supported with the protobuf subprotocol")
	}
	if t.HandshakeTimeout <= 0 {
		errs.add("transport.handshake_timeout", t.HandshakeTimeout, "must be > 0")
	}
	if t.WriteRatePerSecond < 0 {
		errs.add("transport.write_rate_per_second", t.WriteRatePerSecond, "must be >= 0")
	}
}

func validateWatch(errs *ValidationErrors, w WatchConfig) {
	if w.DedupWindow <= 0 {
		errs.add("watch.dedup_window", w.DedupWindow, "must be > 0")
	}
	if w.SyncTimeout < 0 {
		errs.add("watch.sync_timeout", w.SyncTimeout, "must be >= 0")
	}
}

func validateRetry(errs *ValidationErrors, r RetryConfig) {
	if len(r.Ladder) == 0 {
		errs.add("retry.ladder", r.Ladder, "at least one retry offset is required")
	}
	for i, off := range r.Ladder {
		if off <= 0 {
			errs.add(fmt.Sprintf("retry.ladder[%d]", i), off, "must be > 0")
			continue
		}
		if i > 0 && off <= r.Ladder[i-1] {
			errs.add(fmt.Sprintf("retry.ladder[%d]", i), off, "offsets must increase")
		}
	}
	if r.MaxAttempts < 0 {
		errs.add("retry.max_attempts", r.MaxAttempts, "must be >= 0")
	}
}

func validList(valid map[string]bool) string {
	names := make([]string, 0, len(valid))
	for n := range valid {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
