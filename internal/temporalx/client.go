package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// NewClient dials Temporal using TEMPORAL_* settings. Returns (nil, nil) when
// TEMPORAL_ADDRESS is unset so callers can fall back to the in-process
// scheduler without special-casing.
func NewClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	cfg := LoadConfig()
	if cfg.Address == "" {
		if log != nil {
			log.Info("TEMPORAL_ADDRESS not set, temporal disabled")
		}
		return nil, nil
	}

	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}

	if cfg.ClientCertPath != "" || cfg.ClientKeyPath != "" || cfg.ClientCAPath != "" {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.ConnectionOptions.TLS = tlsCfg
	}

	dialTimeout := envutil.DurationSeconds("TEMPORAL_DIAL_TIMEOUT_SECONDS", 5*time.Second)
	maxWait := envutil.DurationSeconds("TEMPORAL_DIAL_MAX_WAIT_SECONDS", 60*time.Second)
	backoff := durationMillisFromEnv("TEMPORAL_DIAL_BACKOFF_MS", 250)
	backoffMax := durationMillisFromEnv("TEMPORAL_DIAL_BACKOFF_MAX_MS", 5000)

	deadline := time.Now().Add(maxWait)
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		c, err := temporalsdkclient.DialContext(ctx, opts)
		cancel()
		if err == nil {
			if log != nil && attempt > 1 {
				log.Info("connected to temporal", "address", cfg.Address, "namespace", cfg.Namespace, "attempts", attempt)
			}
			if envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
				if err := EnsureNamespace(context.Background(), c, cfg.Namespace, log); err != nil {
					c.Close()
					return nil, err
				}
			}
			return c, nil
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}

		if log != nil {
			log.Warn("temporal not reachable, retrying", "address", cfg.Address, "namespace", cfg.Namespace, "attempt", attempt, "error", err)
		}

		if sleep := clampBackoff(backoff, backoffMax, attempt); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

// EnsureNamespace verifies the configured namespace exists and creates it when
// TEMPORAL_AUTO_REGISTER_NAMESPACE is enabled. Meant for local/self-hosted
// Temporal; Temporal Cloud namespaces should be pre-provisioned.
func EnsureNamespace(ctx context.Context, c temporalsdkclient.Client, namespace string, log *logger.Logger) error {
	if c == nil || namespace == "" {
		return nil
	}

	cfg := LoadConfig()
	if cfg.Address == "" {
		return nil
	}

	maxWait := envutil.DurationSeconds("TEMPORAL_NAMESPACE_ENSURE_TIMEOUT_SECONDS", 10*time.Second)
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	// The NamespaceClient carries no implicit namespace header, so it can
	// create the namespace even when it does not exist yet.
	nsClientOpts := temporalsdkclient.Options{
		HostPort: cfg.Address,
		Logger:   log,
	}
	if cfg.ClientCertPath != "" || cfg.ClientKeyPath != "" || cfg.ClientCAPath != "" {
		tlsCfg, err := loadTLSConfig(cfg)
		if err != nil {
			return err
		}
		nsClientOpts.ConnectionOptions.TLS = tlsCfg
	}
	nsClient, err := temporalsdkclient.NewNamespaceClient(nsClientOpts)
	if err != nil {
		return fmt.Errorf("temporal namespace ensure: init namespace client: %w", err)
	}
	defer nsClient.Close()

	backoff := durationMillisFromEnv("TEMPORAL_NAMESPACE_ENSURE_BACKOFF_MS", 250)
	backoffMax := durationMillisFromEnv("TEMPORAL_NAMESPACE_ENSURE_BACKOFF_MAX_MS", 5000)

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("temporal namespace ensure: timed out (namespace=%s): %w", namespace, ctx.Err())
		}

		_, err := nsClient.Describe(ctx, namespace)
		if err == nil {
			return nil
		}

		var nfe *serviceerror.NamespaceNotFound
		if errors.As(err, &nfe) {
			retentionDays := envutil.Int("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7)
			if retentionDays < 1 {
				retentionDays = 7
			}
			if retentionDays > 365 {
				retentionDays = 365
			}

			regErr := nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
				Namespace:                        namespace,
				Description:                      "assignments auto-registered namespace",
				WorkflowExecutionRetentionPeriod: durationpb.New(time.Duration(retentionDays) * 24 * time.Hour),
			})
			if regErr == nil {
				if log != nil {
					log.Info("registered temporal namespace", "namespace", namespace, "retention_days", retentionDays)
				}
				return nil
			}

			var already *serviceerror.NamespaceAlreadyExists
			if errors.As(regErr, &already) {
				return nil
			}

			if isRetryableRPC(regErr) && time.Now().Before(deadline) {
				if log != nil {
					log.Warn("temporal namespace register retrying", "namespace", namespace, "attempt", attempt, "error", regErr)
				}
				time.Sleep(clampBackoff(backoff, backoffMax, attempt))
				continue
			}

			return fmt.Errorf("temporal namespace ensure: register namespace: %w", regErr)
		}

		if isRetryableRPC(err) && time.Now().Before(deadline) {
			if log != nil {
				log.Warn("temporal namespace describe retrying", "namespace", namespace, "attempt", attempt, "error", err)
			}
			time.Sleep(clampBackoff(backoff, backoffMax, attempt))
			continue
		}

		return fmt.Errorf("temporal namespace ensure: describe namespace: %w", err)
	}
}

func loadTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.ClientCertPath == "" || cfg.ClientKeyPath == "" {
		return nil, fmt.Errorf("temporal tls: both TEMPORAL_CLIENT_CERT_PATH and TEMPORAL_CLIENT_KEY_PATH are required when enabling mTLS")
	}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("temporal tls: load client cert/key: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("temporal tls: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("temporal tls: invalid CA pem")
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

func durationMillisFromEnv(key string, defMillis int) time.Duration {
	n := envutil.Int(key, defMillis)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond
}

func clampBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}

func isRetryableRPC(err error) bool {
	if err == nil {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		// Best-effort: treat context timeouts as retryable to smooth startup.
		return errors.Is(err, context.DeadlineExceeded)
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
