package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"cdflake/internal/config"
)

// Azure stores blobs in an Azure Blob Storage container using shared-key
// authentication.
type Azure struct {
	client    *azblob.Client
	container string
	prefix    string
}

func NewAzure(cfg config.AzureConfig) (*Azure, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" || cfg.Container == "" {
		return nil, errors.New("Azure account name, key and container are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &Azure{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (s *Azure) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, objectKey(s.prefix, key), data, nil); err != nil {
		return fmt.Errorf("upload %s/%s: %w", s.container, key, err)
	}
	return nil
}

func (s *Azure) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, objectKey(s.prefix, key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, notFound(key)
		}
		return nil, fmt.Errorf("download %s/%s: %w", s.container, key, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", s.container, key, err)
	}
	return buf.Bytes(), nil
}

func (s *Azure) Exists(ctx context.Context, key string) (bool, error) {
	if err := validKey(key); err != nil {
		return false, err
	}
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(objectKey(s.prefix, key))
	_, err := blobClient.GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", s.container, key, err)
}

func (s *Azure) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.client.DeleteBlob(ctx, s.container, objectKey(s.prefix, key), nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete %s/%s: %w", s.container, key, err)
	}
	return nil
}
