package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// erdPollTarget is one peer:erd pair polled by the background reader.
type erdPollTarget struct {
	peer byte
	erd  uint16
}

type appConfig struct {
	serialDev    string
	baud         int
	serialReadTO time.Duration
	serialRS485  bool
	protocol     string
	address      int
	retries      int
	promiscuous  bool

	requestTimeout time.Duration
	requestRetries int

	erdPoll         string
	erdPollInterval time.Duration
	erdPollTargets  []erdPollTarget

	listenAddr  string
	logFormat   string
	logLevel    string
	metricsAddr string

	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int

	mdnsEnable bool
	mdnsName   string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path")
	baud := flag.Int("baud", 230400, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 5*time.Millisecond, "Serial read timeout")
	serialRS485 := flag.Bool("rs485", false, "Enable RS-485 half-duplex direction control (Linux only)")
	protocol := flag.String("protocol", "gea2", "Bus protocol: gea2|gea3")
	address := flag.Int("address", 0xE4, "This device's own bus address")
	retries := flag.Int("retries", 2, "GEA2 per-packet send retry budget")
	promiscuous := flag.Bool("promiscuous", false, "Accept frames regardless of destination address (bus sniffing)")
	requestTimeout := flag.Duration("request-timeout", 500*time.Millisecond, "ERD request timeout before retrying")
	requestRetries := flag.Int("request-retries", 2, "ERD request retry budget before failing")
	erdPoll := flag.String("erd-poll", "", "Comma-separated peer:erd pairs to poll, e.g. 0x45:0x1234,0x45:0x5678")
	erdPollInterval := flag.Duration("erd-poll-interval", 30*time.Second, "Interval between ERD poll rounds")
	listen := flag.String("listen", ":20000", "Bridge TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-observer hub buffer (packets)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous bridge observers (0 = unlimited)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default gea-bus-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.serialRS485 = *serialRS485
	cfg.protocol = *protocol
	cfg.address = *address
	cfg.retries = *retries
	cfg.promiscuous = *promiscuous
	cfg.requestTimeout = *requestTimeout
	cfg.requestRetries = *requestRetries
	cfg.erdPoll = *erdPoll
	cfg.erdPollInterval = *erdPollInterval
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) serialReadTimeout() time.Duration {
	if c.serialReadTO <= 0 {
		return 5 * time.Millisecond
	}
	return c.serialReadTO
}

// parseERDPoll parses "peer:erd,peer:erd" with hex or decimal numbers.
func parseERDPoll(s string) ([]erdPollTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var targets []erdPollTarget
	for _, part := range strings.Split(s, ",") {
		peerStr, erdStr, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, fmt.Errorf("erd-poll entry %q: want peer:erd", part)
		}
		peer, err := strconv.ParseUint(peerStr, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("erd-poll peer %q: %w", peerStr, err)
		}
		erd, err := strconv.ParseUint(erdStr, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("erd-poll erd %q: %w", erdStr, err)
		}
		targets = append(targets, erdPollTarget{peer: byte(peer), erd: uint16(erd)})
	}
	return targets, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners -- only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.protocol {
	case "gea2", "gea3":
	default:
		return fmt.Errorf("invalid protocol: %s", c.protocol)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.address < 0 || c.address > 0xFF {
		return fmt.Errorf("address must be in [0,255] (got %d)", c.address)
	}
	if c.retries < 0 || c.retries > 255 {
		return fmt.Errorf("retries must be in [0,255] (got %d)", c.retries)
	}
	if c.requestRetries < 0 || c.requestRetries > 255 {
		return fmt.Errorf("request-retries must be in [0,255] (got %d)", c.requestRetries)
	}
	if c.requestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	targets, err := parseERDPoll(c.erdPoll)
	if err != nil {
		return err
	}
	c.erdPollTargets = targets
	if len(targets) > 0 && c.erdPollInterval <= 0 {
		return fmt.Errorf("erd-poll-interval must be > 0 when erd-poll is set")
	}
	return nil
}

// applyEnvOverrides maps GEA_BUS_* environment variables to config fields
// unless a corresponding flag was explicitly set. Flag wins over env.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["serial"]; !ok {
		if v, ok := get("GEA_BUS_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("GEA_BUS_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["protocol"]; !ok {
		if v, ok := get("GEA_BUS_PROTOCOL"); ok && v != "" {
			c.protocol = v
		}
	}
	if _, ok := set["address"]; !ok {
		if v, ok := get("GEA_BUS_ADDRESS"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 0, 8); err == nil {
				c.address = int(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_ADDRESS: %w", err)
			}
		}
	}
	if _, ok := set["promiscuous"]; !ok {
		if v, ok := get("GEA_BUS_PROMISCUOUS"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.promiscuous = true
			case "0", "false", "no", "off":
				c.promiscuous = false
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("GEA_BUS_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["erd-poll"]; !ok {
		if v, ok := get("GEA_BUS_ERD_POLL"); ok && v != "" {
			c.erdPoll = v
		}
	}
	if _, ok := set["erd-poll-interval"]; !ok {
		if v, ok := get("GEA_BUS_ERD_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.erdPollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_ERD_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("GEA_BUS_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("GEA_BUS_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("GEA_BUS_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("GEA_BUS_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("GEA_BUS_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("GEA_BUS_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("GEA_BUS_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("GEA_BUS_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("GEA_BUS_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("GEA_BUS_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GEA_BUS_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
