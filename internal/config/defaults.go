package config

const (
	defaultDeviceDir      = "~/.local/share/tessera/devices"
	defaultExportPath     = "~/.local/share/tessera/export.json"
	defaultTempDir        = "~/.cache/tessera/tmp"
	defaultLogDir         = "~/.local/share/tessera/logs"
	defaultLogFormat      = "console"
	defaultLogLevel       = "info"
	defaultTrackWorkers   = 2
	defaultSegmentWorkers = 16
	defaultDecryptBinary  = "mp4decrypt"
	defaultTimeoutSeconds = 30
	defaultUserAgent      = "tessera/1.0"
	defaultServeBind      = "127.0.0.1:7488"
	defaultRemoteKeyPath  = "data.keys"

	// DefaultVaultMaxBatch is the bulk insert chunk size used when a vault
	// does not set max_batch.
	DefaultVaultMaxBatch = 100
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DeviceDir:  defaultDeviceDir,
			ExportPath: defaultExportPath,
			TempDir:    defaultTempDir,
			LogDir:     defaultLogDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Workflow: Workflow{
			TrackWorkers:   defaultTrackWorkers,
			SegmentWorkers: defaultSegmentWorkers,
		},
		Decrypt: Decrypt{
			Binary: defaultDecryptBinary,
		},
		Network: Network{
			TimeoutSeconds: defaultTimeoutSeconds,
			UserAgent:      defaultUserAgent,
		},
		Serve: Serve{
			Bind: defaultServeBind,
		},
	}
}
