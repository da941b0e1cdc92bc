package config

const (
	defaultConfigPath            = "~/.config/reportq/config.toml"
	defaultDataDir               = "~/.local/share/reportq"
	defaultLogDir                = "~/.local/share/reportq/logs"
	defaultBackendSubmitPath     = "/api/v1/accident-reports"
	defaultBackendRequestTimeout = 30
	defaultMaxRetries            = 3
	defaultProbePollInterval     = 15
	defaultProbeTimeout          = 5
	defaultAPIBind               = "127.0.0.1:7588"
	defaultNotifyRequestTimeout  = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"

	// OnUnreadableEmpty quarantines unreadable records and lists the remainder.
	OnUnreadableEmpty = "empty"
	// OnUnreadableFail surfaces unreadable records as an error to the caller.
	OnUnreadableFail = "fail"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Backend: Backend{
			SubmitPath:     defaultBackendSubmitPath,
			RequestTimeout: defaultBackendRequestTimeout,
		},
		Sync: Sync{
			MaxRetries:   defaultMaxRetries,
			OnUnreadable: OnUnreadableEmpty,
		},
		Connectivity: Connectivity{
			PollInterval: defaultProbePollInterval,
			ProbeTimeout: defaultProbeTimeout,
			Netlink:      true,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			SyncSuccess:    true,
			ManualActions:  true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
