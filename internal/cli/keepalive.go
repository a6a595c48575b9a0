package cli

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const defaultKeepAlive = "45:45:3"

var keepAliveFields = [...]string{"keepidle", "keepintvl", "keepcnt"}

// keepAliveFlag is a pflag.Value holding a TCP keepalive setting, written as
// on, off or keepidle:keepintvl:keepcnt with the intervals in seconds. Bad
// values are rejected while flags are parsed.
type keepAliveFlag struct {
	raw string
	cfg net.KeepAliveConfig
}

func (f *keepAliveFlag) String() string { return f.raw }

func (f *keepAliveFlag) Type() string { return "keepalive" }

func (f *keepAliveFlag) Set(s string) error {
	cfg, err := parseKeepAlive(s)
	if err != nil {
		return err
	}
	f.raw, f.cfg = s, cfg
	return nil
}

func parseKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{}, nil
	}

	fields := strings.Split(s, ":")
	if len(fields) != len(keepAliveFields) {
		return net.KeepAliveConfig{}, errors.New("want on, off or keepidle:keepintvl:keepcnt")
	}
	var n [len(keepAliveFields)]int
	for i, field := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || v <= 0 {
			return net.KeepAliveConfig{}, fmt.Errorf("%s must be a positive integer, got %q", keepAliveFields[i], field)
		}
		n[i] = v
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(n[0]) * time.Second,
		Interval: time.Duration(n[1]) * time.Second,
		Count:    n[2],
	}, nil
}
