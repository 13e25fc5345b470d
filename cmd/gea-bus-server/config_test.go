package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		serialDev:       "/dev/null",
		baud:            230400,
		serialReadTO:    5 * time.Millisecond,
		protocol:        "gea2",
		address:         0xE4,
		retries:         2,
		requestTimeout:  500 * time.Millisecond,
		requestRetries:  2,
		erdPollInterval: 30 * time.Second,
		listenAddr:      ":20000",
		logFormat:       "text",
		logLevel:        "info",
		hubBuffer:       8,
		hubPolicy:       "drop",
		maxClients:      0,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badProtocol", func(c *appConfig) { c.protocol = "gea9" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badAddress", func(c *appConfig) { c.address = 256 }},
		{"badRetries", func(c *appConfig) { c.retries = -1 }},
		{"badRequestRetries", func(c *appConfig) { c.requestRetries = 300 }},
		{"badRequestTimeout", func(c *appConfig) { c.requestTimeout = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badERDPoll", func(c *appConfig) { c.erdPoll = "nonsense" }},
		{"badERDPollInterval", func(c *appConfig) { c.erdPoll = "0x45:0x1234"; c.erdPollInterval = 0 }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseERDPoll(t *testing.T) {
	targets, err := parseERDPoll("0x45:0x1234, 69:0x5678")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("targets = %+v", targets)
	}
	if targets[0].peer != 0x45 || targets[0].erd != 0x1234 {
		t.Fatalf("first target = %+v", targets[0])
	}
	if targets[1].peer != 69 || targets[1].erd != 0x5678 {
		t.Fatalf("second target = %+v", targets[1])
	}
}

func TestParseERDPoll_Errors(t *testing.T) {
	for _, s := range []string{"x", "0x45", "0x999:0x1234", "0x45:0x12345", "0x45:"} {
		if _, err := parseERDPoll(s); err == nil {
			t.Fatalf("%q: expected error", s)
		}
	}
}

func TestParseERDPoll_Empty(t *testing.T) {
	targets, err := parseERDPoll("  ")
	if err != nil || targets != nil {
		t.Fatalf("blank value should parse to nothing, got %+v, %v", targets, err)
	}
}
