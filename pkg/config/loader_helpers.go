package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/paths"
)

// loadAndMerge decodes a YAML file over cfg. Keys absent from the file keep
// their current values. A missing file is returned unwrapped so callers can
// test it with os.IsNotExist.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return apperrors.Wrap(err, apperrors.ErrCodeConfigLoad, "reading config file").
			WithContext("path", path)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(err, apperrors.ErrCodeConfigParse, "parsing YAML").
			WithContext("path", path).
			WithUserMessage("Config file " + path + " is not valid: " + err.Error())
	}
	return nil
}

// loadConfigEnvVars reads ~/.sparkbridge/config.env and ./.env. The values
// only fill in variables missing from the real environment, and ./.env wins
// over the user file.
func loadConfigEnvVars() map[string]string {
	vars := make(map[string]string)
	var files []string
	if dir := userConfigDir(); dir != "" {
		files = append(files, filepath.Join(dir, "config.env"))
	}
	files = append(files, ".env")
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			continue
		}
		for k, v := range values {
			vars[k] = v
		}
	}
	return vars
}

type envSource map[string]string

// get returns the process variable, falling back to the dotenv files.
func (e envSource) get(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		if v := strings.TrimSpace(e[key]); v != "" {
			return v
		}
	}
	return ""
}

func (e envSource) bool(key string) (bool, bool) {
	return parseBool(e.get(key))
}

func (e envSource) seconds(key string) (time.Duration, bool) {
	return parseSeconds(e.get(key))
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	env := envSource(configEnv)

	if v, ok := os.LookupEnv("SPARKAI_CHAT_ID"); ok {
		cfg.Chat.ThreadID = NormalizeThreadID(v)
	} else if v, ok := configEnv["SPARKAI_CHAT_ID"]; ok {
		cfg.Chat.ThreadID = NormalizeThreadID(v)
	}
	if v := env.get("SPARKAI_BASE_URL"); v != "" {
		cfg.Chat.BaseURL = v
	}

	if v := env.get("SPARKAI_CHROME_PROFILE"); v != "" {
		cfg.Browser.ProfileDir = v
	}
	if v := env.get("SPARKAI_BROWSER_ID"); v != "" {
		cfg.Browser.ID = v
	}
	if v := env.get("SPARKAI_DEBUGGER_ADDRESS"); v != "" {
		cfg.Browser.DebuggerAddress = v
	}
	if v := env.get("SPARKAI_DRIVER"); v != "" {
		cfg.Browser.Driver = strings.ToLower(v)
	}
	if v, ok := env.bool("SPARKAI_HEADLESS"); ok {
		cfg.Browser.Headless = v
	}
	if v, ok := env.bool("SPARKAI_NO_PERSISTENT_PROFILE"); ok {
		cfg.Browser.PersistentProfile = !v
	}
	if v, ok := env.bool("SPARKAI_KEEP_BROWSER"); ok {
		cfg.Browser.KeepOpen = v
	}
	if v, ok := env.bool("SPARKAI_ATTACH_ONLY"); ok {
		cfg.Browser.AttachOnly = v
	}

	if v := env.get("SPARKAI_USERNAME", "SPARK_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := env.get("SPARKAI_PASSWORD", "SPARK_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v, ok := env.bool("SPARKAI_NO_AUTO_LOGIN"); ok {
		cfg.Auth.NoAutoLogin = v
	}

	if v, ok := env.seconds("SPARKAI_TIMEOUT"); ok {
		cfg.Exchange.Timeout = v
	}
	if v, ok := env.seconds("SPARKAI_RESPONSE_TIMEOUT"); ok {
		cfg.Exchange.ResponseTimeout = v
	}

	if v := env.get("SPARKAI_COOKIE_FILE"); v != "" {
		cfg.Cookies.File = v
	}
	if v := env.get("SPARKAI_INPUT_FILE"); v != "" {
		cfg.IO.InputFile = v
	}
	if v := env.get("SPARKAI_OUTPUT_FILE"); v != "" {
		cfg.IO.OutputFile = v
	}

	if v := env.get("SPARKAI_SERVICE_HOST"); v != "" {
		cfg.Service.Host = v
	}
	if v := env.get("SPARKAI_SERVICE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Service.Port = port
		} else {
			cfg.Service.Port = -1
		}
	}

	if v := env.get(paths.EnvDataDir); v != "" && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(v, "sparkbridge.db")
	}
	if v := env.get(paths.EnvLogDir); v != "" {
		cfg.Logging.Dir = v
	}
	if v := env.get("SPARKAI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := env.bool("SPARKAI_TRACING"); ok {
		cfg.Telemetry.Tracing = v
	}
}

func parseBool(val string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// parseSeconds accepts integer seconds, and Go durations such as "90s".
// Unparseable values map to zero so Validate reports them.
func parseSeconds(val string) (time.Duration, bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d, true
	}
	return 0, true
}
