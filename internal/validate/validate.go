package validate

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/stun/v3"

	"github.com/mikeyg42/callsignal/internal/config"
)

// -----------------------------------------------------------------------------
// Full-config validation
// -----------------------------------------------------------------------------

// Validator collects every problem instead of stopping at the first.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig checks the shape of addresses, URIs and paths. Presence of
// required fields is config.Validate's job.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateHostPort(v, "websocket_addr", cfg.WebSocketAddr)
	validateIdentity(v, &cfg.Identity)
	validateICE(v, &cfg.ICE)
	validateCallLog(v, &cfg.CallLog)
	if !isValidFilePath(cfg.Settings.Path) {
		v.AddError("settings.path is not a usable file path: %q", cfg.Settings.Path)
	}
	if cfg.API.Enabled {
		validateHostPort(v, "api.addr", cfg.API.Addr)
	}
	if cfg.NetWatch.Enabled {
		if cfg.NetWatch.Interval.Duration <= 0 {
			v.AddError("net_watch.interval must be positive")
		}
		if len(cfg.ICE.STUNServers) == 0 {
			v.AddError("net_watch needs at least one STUN server")
		}
	}

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateHostPort(v *Validator, field, addr string) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		v.AddError("%s must be host:port: %v", field, err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in %s: %s", field, host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		v.AddError("invalid port in %s: %s", field, portStr)
	}
}

func validateIdentity(v *Validator, cfg *config.IdentityConfig) {
	if strings.ContainsAny(cfg.LocalAddress, " \t\r\n") {
		v.AddError("identity.local_address cannot contain whitespace")
	}
}

func validateICE(v *Validator, cfg *config.ICEConfig) {
	for _, raw := range cfg.STUNServers {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			v.AddError("invalid STUN server %q: %v", raw, err)
			continue
		}
		if uri.Scheme != stun.SchemeTypeSTUN {
			v.AddError("STUN server %q must use the stun: scheme", raw)
		}
	}
}

func validateCallLog(v *Validator, cfg *config.CallLogConfig) {
	switch cfg.Driver {
	case "sqlite":
		if !isValidFilePath(cfg.SQLitePath) {
			v.AddError("call_log.sqlite_path is not a usable file path: %q", cfg.SQLitePath)
		}
	case "postgres":
		pg := cfg.Postgres
		if pg.Host != "localhost" && net.ParseIP(pg.Host) == nil && !isValidHostname(pg.Host) {
			v.AddError("invalid call_log.postgres.host: %s", pg.Host)
		}
		if pg.Port < 1 || pg.Port > 65535 {
			v.AddError("invalid call_log.postgres.port: %d", pg.Port)
		}
		if !isAlphanumericWithUnderscore(pg.Database) {
			v.AddError("call_log.postgres.database must be alphanumeric with underscores")
		}
		switch pg.SSLMode {
		case "", "disable", "require", "verify-ca", "verify-full":
		default:
			v.AddError("invalid call_log.postgres.ssl_mode: %s", pg.SSLMode)
		}
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel   = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	alnumUnderscore = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidFilePath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && clean != "." && !strings.Contains(path, "\x00")
}

func isAlphanumericWithUnderscore(s string) bool {
	return s != "" && alnumUnderscore.MatchString(s)
}
