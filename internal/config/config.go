// Package config loads and validates the file service's TOML configuration.
// It applies defaults and environment overrides so callers can rely on a
// fully populated Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// FilesConfig holds filesystem-root and upload-limit settings.
type FilesConfig struct {
	HomeDirectory string `toml:"home_directory"`
	MaxUploadSize int64  `toml:"max_upload_size"`
}

// AuthConfig holds JWT signing and session settings. TokenExpiration is in
// seconds, matching the on-disk schema.
type AuthConfig struct {
	JWTSecret       string `toml:"jwt_secret"`
	TokenExpiration int64  `toml:"token_expiration"`
	EnableAuth      bool   `toml:"enable_auth"`
}

// DatabaseConfig holds the storage backend location.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// SecurityConfig holds CORS and request-size guards.
type SecurityConfig struct {
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`
	MaxRequestSize     int64    `toml:"max_request_size"`
}

// AdminConfig holds the bootstrap administrator credentials.
type AdminConfig struct {
	DefaultEmail    string `toml:"default_email"`
	DefaultPassword string `toml:"default_password"`
}

// StaticConfig holds the directory the SPA frontend is served from.
// Empty disables static serving entirely (API-only deployment).
type StaticConfig struct {
	Directory string `toml:"directory"`
}

// Config mirrors the on-disk TOML schema.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Files    FilesConfig    `toml:"files"`
	Auth     AuthConfig     `toml:"auth"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Security SecurityConfig `toml:"security"`
	Admin    AdminConfig    `toml:"admin"`
	Static   StaticConfig   `toml:"static"`
}

// EnvPrefix is the prefix used for environment-variable overrides, applied
// as FILEDASH_<SECTION>__<KEY>, e.g. FILEDASH_SERVER__PORT=9090.
const EnvPrefix = "FILEDASH_"

// Load reads a TOML config file, applies defaults, layers environment
// overrides on top, and validates the result.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := toml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := applyEnvOverrides(&c, os.Environ()); err != nil {
		return Config{}, err
	}
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	c.Files.HomeDirectory = strings.TrimSpace(c.Files.HomeDirectory)
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	return c, nil
}

// applyDefaults populates zero-values with sane defaults.
func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Files.HomeDirectory == "" {
		c.Files.HomeDirectory = "./data/files"
	}
	if c.Files.MaxUploadSize == 0 {
		c.Files.MaxUploadSize = 512 * 1024 * 1024
	}
	if c.Auth.TokenExpiration == 0 {
		c.Auth.TokenExpiration = 86400
	}
	if c.Database.URL == "" {
		c.Database.URL = "./data/filedash.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Security.MaxRequestSize == 0 {
		c.Security.MaxRequestSize = c.Files.MaxUploadSize + 1024*1024
	}
	if len(c.Security.CORSAllowedOrigins) == 0 {
		c.Security.CORSAllowedOrigins = []string{"*"}
	}
	if c.Admin.DefaultEmail == "" {
		c.Admin.DefaultEmail = "admin@localhost"
	}
}

// validate performs basic sanity checks for required fields and ranges.
func validate(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port is invalid")
	}
	if c.Files.HomeDirectory == "" {
		return errors.New("files.home_directory is required")
	}
	if c.Files.MaxUploadSize < 1 {
		return errors.New("files.max_upload_size must be positive")
	}
	if c.Auth.EnableAuth && len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes when auth is enabled")
	}
	if c.Auth.TokenExpiration < 1 {
		return errors.New("auth.token_expiration must be positive")
	}
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Security.MaxRequestSize < c.Files.MaxUploadSize {
		return errors.New("security.max_request_size must be >= files.max_upload_size")
	}
	return nil
}

// applyEnvOverrides walks the Config struct via reflection and overwrites
// any field whose FILEDASH_<SECTION>__<KEY> environment variable is set.
// Section and key names are derived from each field's toml tag.
func applyEnvOverrides(c *Config, environ []string) error {
	env := map[string]string{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	if len(env) == 0 {
		return nil
	}

	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sectionField := t.Field(i)
		sectionTag := sectionField.Tag.Get("toml")
		sectionVal := v.Field(i)
		if sectionVal.Kind() != reflect.Struct {
			continue
		}
		st := sectionVal.Type()
		for j := 0; j < st.NumField(); j++ {
			keyField := st.Field(j)
			keyTag := keyField.Tag.Get("toml")
			envKey := EnvPrefix + strings.ToUpper(sectionTag) + "__" + strings.ToUpper(keyTag)
			raw, ok := env[envKey]
			if !ok {
				continue
			}
			if err := setFieldFromString(sectionVal.Field(j), raw); err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
		}
	}
	return nil
}

func setFieldFromString(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem())
		}
		parts := strings.Split(raw, ",")
		for i, p := range parts {
			parts[i] = strings.TrimSpace(p)
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
