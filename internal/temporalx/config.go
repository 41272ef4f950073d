package temporalx

import (
	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
)

// Config carries the Temporal connection settings. An empty Address disables
// Temporal entirely; the in-process cron scheduler then runs the sweeps.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

func LoadConfig() Config {
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", ""),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", "assignments"),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", "assignments"),

		ClientCertPath: envutil.String("TEMPORAL_CLIENT_CERT_PATH", ""),
		ClientKeyPath:  envutil.String("TEMPORAL_CLIENT_KEY_PATH", ""),
		ClientCAPath:   envutil.String("TEMPORAL_CLIENT_CA_PATH", ""),
	}
}
