package partstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/partstash/partstash/internal/config"
)

// Open constructs the backend selected by cfg.Backend, wrapped with metrics.
// The returned closer releases backend resources and is never nil.
func Open(ctx context.Context, cfg config.PartStoreConfig) (*Instrumented, io.Closer, error) {
	var (
		ps     PartStore
		closer io.Closer = nopCloser{}
	)

	switch cfg.Backend {
	case "memory":
		ps = NewMemoryBackend(0)
	case "local":
		b, err := NewLocalBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, nil, err
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("cleaning part temp files", "error", err)
		}
		ps = b
	case "sqlite":
		b, err := NewSQLiteBackend(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		ps, closer = b, b
	case "aws":
		b, err := NewAWSBackend(ctx, AWSOptions{
			Bucket:       cfg.AWS.Bucket,
			Region:       cfg.AWS.Region,
			Prefix:       cfg.AWS.Prefix,
			Endpoint:     cfg.AWS.Endpoint,
			UsePathStyle: cfg.AWS.UsePathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		ps = b
	case "gcp":
		b, err := NewGCPBackend(ctx, GCPOptions{
			Bucket:          cfg.GCP.Bucket,
			Project:         cfg.GCP.Project,
			Prefix:          cfg.GCP.Prefix,
			GRPC:            cfg.GCP.GRPC,
			CredentialsFile: cfg.GCP.CredentialsFile,
		})
		if err != nil {
			return nil, nil, err
		}
		ps = b
	case "azure":
		accountURL := cfg.Azure.AccountURL
		if accountURL == "" && cfg.Azure.Account != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Azure.Account)
		}
		b, err := NewAzureBackend(ctx, AzureOptions{
			Container:          cfg.Azure.Container,
			AccountURL:         accountURL,
			ConnectionString:   cfg.Azure.ConnectionString,
			Prefix:             cfg.Azure.Prefix,
			UseManagedIdentity: cfg.Azure.UseManagedIdentity,
		})
		if err != nil {
			return nil, nil, err
		}
		ps = b
	case "telegram":
		ps = NewTelegramBackend(TelegramOptions{
			APIURL:         cfg.Telegram.APIURL,
			Token:          cfg.Telegram.Token,
			ChatID:         cfg.Telegram.ChatID,
			MaxPartSize:    cfg.Telegram.MaxPartSize.Int64(),
			WholePartFetch: cfg.Telegram.WholePartFetch,
			HTTPClient:     &http.Client{Timeout: cfg.Telegram.Timeout},
		})
	default:
		return nil, nil, fmt.Errorf("unknown part backend %q", cfg.Backend)
	}

	slog.Info("part store opened", "backend", cfg.Backend)
	return Instrument(ps, cfg.Backend), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
