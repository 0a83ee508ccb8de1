// Package config loads the `atapp.*` settings spec.md §6 describes, the way
// the teacher's internal/storage/config.Config / DefaultConfig / Load /
// MustLoad quartet does: a literal default, a loader that falls back to
// defaults when no path is given, and typed fields tagged for both
// gopkg.in/yaml.v3 and gopkg.in/ini.v1.
package config

import (
	"bufio"
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/anthanhphan/atapp/internal/obslog"
)

// App carries atapp.id/id_mask/name/type_id/type_name/hostname/identity
// and the optional area metadata (spec.md §3: name/hostname/identity are
// frozen once set, enforced by the caller that diffs reloads, not here).
type App struct {
	ID       uint64 `yaml:"id" ini:"id"`
	IDMask   string `yaml:"id_mask" ini:"id_mask"`
	Name     string `yaml:"name" ini:"name"`
	TypeID   uint64 `yaml:"type_id" ini:"type_id"`
	TypeName string `yaml:"type_name" ini:"type_name"`
	Hostname string `yaml:"hostname" ini:"hostname"`
	Identity string `yaml:"identity" ini:"identity"`
	Area     Area   `yaml:"area" ini:"area"`
}

// Area is optional area metadata (spec.md §6's atapp.area.*); fields are
// free-form enough that the core never branches on them itself.
type Area struct {
	Zone  string `yaml:"zone" ini:"zone"`
	Group string `yaml:"group" ini:"group"`
}

// Metadata feeds GatewayMatcher's LocalMeta.
type Metadata struct {
	Labels        map[string]string `yaml:"labels" ini:"-"`
	NamespaceName string            `yaml:"namespace_name" ini:"namespace_name"`
}

// Gateway mirrors discovery.Gateway for the bus.gateways[] list a process
// advertises about itself.
type Gateway struct {
	Address         string            `yaml:"address"`
	MatchHosts      []string          `yaml:"match_hosts"`
	MatchNamespaces []string          `yaml:"match_namespaces"`
	MatchLabels     map[string]string `yaml:"match_labels"`
}

// Bus carries atapp.bus.* transport binding and backpressure knobs.
// Gateways is YAML-only: INI has no native repeated-struct syntax.
type Bus struct {
	Listen           []string  `yaml:"listen" ini:"-"`
	Proxy            string    `yaml:"proxy" ini:"proxy"`
	Subnets          []string  `yaml:"subnets" ini:"-"`
	SendBufferNumber int       `yaml:"send_buffer_number" ini:"send_buffer_number"`
	SendBufferSize   int64     `yaml:"send_buffer_size" ini:"send_buffer_size"`
	LoopTimes        int       `yaml:"loop_times" ini:"loop_times"`
	Gateways         []Gateway `yaml:"gateways" ini:"-"`
	// RedisClock, when set, points the tick loop's "now" source at a
	// shared Redis TIME instead of each node's own wall clock.
	RedisClock string `yaml:"redis_clock" ini:"redis_clock"`
}

// Timer carries atapp.timer.* tick/timeout knobs.
type Timer struct {
	TickInterval   Duration `yaml:"tick_interval" ini:"tick_interval"`
	StopTimeout    Duration `yaml:"stop_timeout" ini:"stop_timeout"`
	MessageTimeout Duration `yaml:"message_timeout" ini:"message_timeout"`
}

// Admin carries atapp.admin.listen: the local handshake address stop/
// reload/run dial to reach an already-running instance. Not part of
// spec.md's original key table — the CLI's "connect to a running instance"
// contract needs a concrete address, and nothing else in the tree names
// one, so it lives here (see DESIGN.md Open Questions).
type Admin struct {
	Listen string `yaml:"listen" ini:"listen"`
}

// Config is the full atapp.* tree.
type Config struct {
	App                    App           `yaml:"app"`
	Metadata               Metadata      `yaml:"metadata"`
	Bus                    Bus           `yaml:"bus"`
	Timer                  Timer         `yaml:"timer"`
	Admin                  Admin         `yaml:"admin"`
	RemovePidfileAfterExit bool          `yaml:"remove_pidfile_after_exit" ini:"remove_pidfile_after_exit"`
	Log                    obslog.Config `yaml:"log"`
	ConfigExternal         []string      `yaml:"config_external" ini:"-"`
}

// DefaultConfig returns the configuration used when no file is supplied
// and as the base every loaded file is merged onto.
func DefaultConfig() *Config {
	return &Config{
		Timer: Timer{
			TickInterval:   Duration(16 * time.Millisecond),
			StopTimeout:    Duration(30 * time.Second),
			MessageTimeout: Duration(5 * time.Second),
		},
		Admin: Admin{
			Listen: "127.0.0.1:17501",
		},
		Log: obslog.Config{
			Level:    obslog.LevelInfo,
			Encoding: obslog.EncodingJSON,
		},
	}
}

// Load reads path (YAML or INI, auto-detected) into a Config seeded with
// DefaultConfig, then recursively loads every atapp.config.external entry,
// depth-first, overlaying each onto the tree built so far. An empty path
// returns the defaults unchanged, matching the teacher's
// Load("")-falls-back-to-defaults behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if err := loadInto(cfg, path, make(map[string]bool)); err != nil {
		log.Printf("config: failed to load %s: %v", path, err)
		return nil, err
	}
	return cfg, nil
}

// MustLoad loads configuration or exits the process on error, matching the
// teacher's MustLoad.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: failed to load %s: %v", path, err)
	}
	return cfg
}

func loadInto(cfg *Config, path string, seen map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	overlay := &Config{}
	if detectFormat(data) == formatINI {
		if err := parseINI(data, overlay); err != nil {
			return fmt.Errorf("parse ini config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, overlay); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	}

	mergeConfig(cfg, overlay)

	dir := filepath.Dir(path)
	for _, ext := range overlay.ConfigExternal {
		extPath := ext
		if !filepath.IsAbs(extPath) {
			extPath = filepath.Join(dir, extPath)
		}
		if err := loadInto(cfg, extPath, seen); err != nil {
			return fmt.Errorf("load external config %s: %w", ext, err)
		}
	}
	return nil
}

type format int

const (
	formatYAML format = iota
	formatINI
)

// detectFormat sniffs the first meaningful (non-blank, non-comment) line:
// a leading '[' or a bare "key = value" line is INI, anything else is
// treated as YAML (the permissive default).
func detectFormat(data []byte) format {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			return formatINI
		}
		if idx := strings.IndexAny(line, ":="); idx >= 0 && line[idx] == '=' {
			return formatINI
		}
		return formatYAML
	}
	return formatYAML
}

func parseINI(data []byte, cfg *Config) error {
	f, err := ini.Load(data)
	if err != nil {
		return err
	}

	if sec := f.Section("app"); sec != nil {
		if err := sec.MapTo(&cfg.App); err != nil {
			return err
		}
	}
	if sec := f.Section("metadata"); sec != nil && sec.HasKey("namespace_name") {
		cfg.Metadata.NamespaceName = sec.Key("namespace_name").String()
	}
	if sec := f.Section("bus"); sec != nil {
		if err := sec.MapTo(&cfg.Bus); err != nil {
			return err
		}
	}
	if sec := f.Section("timer"); sec != nil {
		for key, dst := range map[string]*Duration{
			"tick_interval":   &cfg.Timer.TickInterval,
			"stop_timeout":    &cfg.Timer.StopTimeout,
			"message_timeout": &cfg.Timer.MessageTimeout,
		} {
			if sec.HasKey(key) {
				if err := dst.UnmarshalText([]byte(sec.Key(key).String())); err != nil {
					return err
				}
			}
		}
	}
	if sec := f.Section("admin"); sec != nil {
		if err := sec.MapTo(&cfg.Admin); err != nil {
			return err
		}
	}
	if sec := f.Section(""); sec != nil {
		if sec.HasKey("remove_pidfile_after_exit") {
			cfg.RemovePidfileAfterExit = sec.Key("remove_pidfile_after_exit").MustBool(false)
		}
		if sec.HasKey("config_external") {
			cfg.ConfigExternal = sec.Key("config_external").Strings(",")
		}
	}
	return nil
}

// mergeConfig overlays every field src actually set onto dst, field by
// field, so an external file naming only one key (e.g. timer.tick_interval)
// never clobbers sibling fields (e.g. timer.stop_timeout) that dst already
// carries from the default or an earlier file in the chain.
func mergeConfig(dst, src *Config) {
	mergeApp(&dst.App, &src.App)
	mergeMetadata(&dst.Metadata, &src.Metadata)
	mergeBus(&dst.Bus, &src.Bus)
	mergeTimer(&dst.Timer, &src.Timer)
	if src.Admin.Listen != "" {
		dst.Admin.Listen = src.Admin.Listen
	}
	if src.RemovePidfileAfterExit {
		dst.RemovePidfileAfterExit = true
	}
	mergeLog(&dst.Log, &src.Log)
}

func mergeApp(dst, src *App) {
	if src.ID != 0 {
		dst.ID = src.ID
	}
	if src.IDMask != "" {
		dst.IDMask = src.IDMask
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.TypeID != 0 {
		dst.TypeID = src.TypeID
	}
	if src.TypeName != "" {
		dst.TypeName = src.TypeName
	}
	if src.Hostname != "" {
		dst.Hostname = src.Hostname
	}
	if src.Identity != "" {
		dst.Identity = src.Identity
	}
	if src.Area.Zone != "" {
		dst.Area.Zone = src.Area.Zone
	}
	if src.Area.Group != "" {
		dst.Area.Group = src.Area.Group
	}
}

func mergeMetadata(dst, src *Metadata) {
	if len(src.Labels) > 0 {
		dst.Labels = src.Labels
	}
	if src.NamespaceName != "" {
		dst.NamespaceName = src.NamespaceName
	}
}

func mergeBus(dst, src *Bus) {
	if len(src.Listen) > 0 {
		dst.Listen = src.Listen
	}
	if src.Proxy != "" {
		dst.Proxy = src.Proxy
	}
	if len(src.Subnets) > 0 {
		dst.Subnets = src.Subnets
	}
	if src.SendBufferNumber != 0 {
		dst.SendBufferNumber = src.SendBufferNumber
	}
	if src.SendBufferSize != 0 {
		dst.SendBufferSize = src.SendBufferSize
	}
	if src.LoopTimes != 0 {
		dst.LoopTimes = src.LoopTimes
	}
	if len(src.Gateways) > 0 {
		dst.Gateways = src.Gateways
	}
	if src.RedisClock != "" {
		dst.RedisClock = src.RedisClock
	}
}

func mergeTimer(dst, src *Timer) {
	if src.TickInterval != 0 {
		dst.TickInterval = src.TickInterval
	}
	if src.StopTimeout != 0 {
		dst.StopTimeout = src.StopTimeout
	}
	if src.MessageTimeout != 0 {
		dst.MessageTimeout = src.MessageTimeout
	}
}

func mergeLog(dst, src *obslog.Config) {
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.Encoding != "" {
		dst.Encoding = src.Encoding
	}
}
