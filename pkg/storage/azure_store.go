package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore implements BlobStore on an Azure Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// AzureConfig selects one of two auth forms: a full connection string, or a
// service URL already qualified with a SAS token.
type AzureConfig struct {
	ConnectionString string
	ServiceURL       string
	Container        string
}

// NewAzureStore builds the client without contacting the service.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	container := strings.TrimSpace(cfg.Container)
	if container == "" {
		return nil, errors.New("azure container required")
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case strings.TrimSpace(cfg.ConnectionString) != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case strings.TrimSpace(cfg.ServiceURL) != "":
		client, err = azblob.NewClientWithNoCredential(cfg.ServiceURL, nil)
	default:
		return nil, errors.New("azure connection string or service URL required")
	}
	if err != nil {
		return nil, fmt.Errorf("init azure blob client: %w", err)
	}
	return &AzureStore{client: client, container: container}, nil
}

// EnsureContainer creates the container, treating "already exists" as success.
func (a *AzureStore) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return fmt.Errorf("create container: %w", err)
}

// Upload streams r into a block blob. The write is conditional on the blob
// not existing yet.
func (a *AzureStore) Upload(ctx context.Context, name string, r io.Reader, _ int64, contentType string) (string, error) {
	ct := contentTypeOrDefault(contentType)
	anyTag := azcore.ETagAny
	_, err := a.client.UploadStream(ctx, a.container, name, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &anyTag},
		},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return "", uploadErr(name, ErrBlobExists)
		}
		return "", uploadErr(name, err)
	}
	return a.URL(name), nil
}

// URL returns the blob URL. For SAS-authenticated clients the token query is
// carried over.
func (a *AzureStore) URL(name string) string {
	return a.client.ServiceClient().NewContainerClient(a.container).NewBlobClient(name).URL()
}

// Delete removes a blob; a missing blob is not an error.
func (a *AzureStore) Delete(ctx context.Context, name string) error {
	_, err := a.client.DeleteBlob(ctx, a.container, name, nil)
	if err == nil || bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return fmt.Errorf("delete blob: %w", err)
}

var _ BlobStore = (*AzureStore)(nil)
