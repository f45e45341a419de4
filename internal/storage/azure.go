package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/sirupsen/logrus"
)

const (
	snapshotContentType = "application/vnd.sqlite3"
	checksumKey         = "sha256"
	schemaKey           = "schema"
	snapshotSchema      = "processed-v1"
)

// AzureArchive keeps database snapshots in Azure Blob Storage. Every blob
// carries its SHA-256 in metadata and downloads are checked against it.
type AzureArchive struct {
	client        *azblob.Client
	containerName string
}

// Ensure AzureArchive implements ArchiveInterface
var _ ArchiveInterface = (*AzureArchive)(nil)

// NewAzureArchive creates a blob archive authenticated with the default Azure credential chain
func NewAzureArchive(ctx context.Context, accountName, containerName string) (*AzureArchive, error) {
	if accountName == "" {
		return nil, fmt.Errorf("storage account name is required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}

	archive := &AzureArchive{
		client:        client,
		containerName: containerName,
	}

	if err := archive.ensureContainer(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure container exists: %w", err)
	}

	return archive, nil
}

func (a *AzureArchive) ensureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	switch {
	case err == nil:
		logrus.Infof("Created backup container %s", a.containerName)
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		logrus.Debugf("Backup container %s already exists", a.containerName)
	default:
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// Store uploads a snapshot under name with its checksum
func (a *AzureArchive) Store(ctx context.Context, name string, data []byte) error {
	contentType := snapshotContentType
	_, err := a.client.UploadBuffer(ctx, a.containerName, name, data, &azblob.UploadBufferOptions{
		BlockSize:   int64(1024 * 1024),
		Concurrency: 3,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata:    snapshotMetadata(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", name, err)
	}

	logrus.WithFields(logrus.Fields{"blob": name, "bytes": len(data)}).Info("Uploaded dedup store snapshot")
	return nil
}

// Retrieve downloads the snapshot called name and rejects it when its
// content does not match the recorded checksum
func (a *AzureArchive) Retrieve(ctx context.Context, name string) ([]byte, error) {
	response, err := a.client.DownloadStream(ctx, a.containerName, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download snapshot %s: %w", name, err)
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	if err := verifyChecksum(response.Metadata, data); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	return data, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func snapshotMetadata(data []byte) map[string]*string {
	sum, schema := checksum(data), snapshotSchema
	return map[string]*string{checksumKey: &sum, schemaKey: &schema}
}

// verifyChecksum checks data against the sha256 metadata entry. Blobs
// uploaded without one are accepted.
func verifyChecksum(metadata map[string]*string, data []byte) error {
	for key, value := range metadata {
		if !strings.EqualFold(key, checksumKey) || value == nil {
			continue
		}
		if got := checksum(data); !strings.EqualFold(got, *value) {
			return fmt.Errorf("checksum mismatch: recorded %s, downloaded %s", *value, got)
		}
		return nil
	}
	logrus.Debug("Snapshot has no recorded checksum")
	return nil
}

// List returns blob names starting with prefix
func (a *AzureArchive) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	return names, nil
}

// Delete removes the blob called name
func (a *AzureArchive) Delete(ctx context.Context, name string) error {
	if _, err := a.client.DeleteBlob(ctx, a.containerName, name, nil); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", name, err)
	}
	logrus.WithField("blob", name).Info("Pruned dedup store snapshot")
	return nil
}
