package providers

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// AzureConfig configures AzureProvider with either a connection string or an
// account name and key.
type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	Container        string `mapstructure:"container"`
}

// AzureProvider uploads to an Azure Blob Storage container.
type AzureProvider struct {
	cfg AzureConfig

	once    sync.Once
	client  *azblob.Client
	initErr error
}

// NewAzureProvider validates cfg and returns a provider.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.Container == "" {
		return nil, fmt.Errorf("%w: azure container is required", ErrNotConfigured)
	}
	if cfg.ConnectionString == "" && (cfg.AccountName == "" || cfg.AccountKey == "") {
		return nil, fmt.Errorf("%w: azure connection string or account name and key are required", ErrNotConfigured)
	}
	return &AzureProvider{cfg: cfg}, nil
}

func (a *AzureProvider) Name() string { return "azure" }

func (a *AzureProvider) init() error {
	a.once.Do(func() {
		if a.cfg.ConnectionString != "" {
			a.client, a.initErr = azblob.NewClientFromConnectionString(a.cfg.ConnectionString, nil)
		} else {
			cred, err := azblob.NewSharedKeyCredential(a.cfg.AccountName, a.cfg.AccountKey)
			if err != nil {
				a.initErr = err
				return
			}
			serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", a.cfg.AccountName)
			a.client, a.initErr = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		}
		if a.initErr != nil {
			a.initErr = fmt.Errorf("failed to create azure client: %w", a.initErr)
		}
	})
	return a.initErr
}

// Upload sends a local file as a block blob.
func (a *AzureProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := a.init(); err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer f.Close()

	ct := contentType(localPath)
	_, err = a.client.UploadFile(ctx, a.cfg.Container, objectKey(remotePath), f, &azblob.UploadFileOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("azure upload %s: %w", remotePath, err)
	}
	return nil
}
