package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8080"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`

	// Default SSH target, reachable as node ids "default" and "ssh".
	SSHHost string `envconfig:"SSH_HOST" default:"sshd"`
	SSHPort int    `envconfig:"SSH_PORT" default:"2222"`
	SSHUser string `envconfig:"SSH_USER" default:"user"`
	SSHPass string `envconfig:"SSH_PASS" default:"password"`

	// Optional YAML file with additional lab nodes.
	TargetsFile string `envconfig:"TARGETS_FILE" default:""`

	// guacd daemon for remote-desktop tunnels.
	GuacdHost string `envconfig:"GUACD_HOST" default:"guacd"`
	GuacdPort int    `envconfig:"GUACD_PORT" default:"4822"`

	// Usage quota settings.
	FreeHours       int64  `envconfig:"USAGE_FREE_HOURS" default:"2"`
	PremiumHours    int64  `envconfig:"USAGE_PREMIUM_HOURS" default:"10"`
	PeriodDays      int64  `envconfig:"USAGE_PERIOD_DAYS" default:"30"`
	PremiumRole     string `envconfig:"USAGE_PREMIUM_ROLE" default:"premium"`
	PremiumOverride bool   `envconfig:"USAGE_OVERRIDE_PREMIUM" default:"false"`

	TicketTTL time.Duration `envconfig:"TICKET_TTL" default:"60s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("LABGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
