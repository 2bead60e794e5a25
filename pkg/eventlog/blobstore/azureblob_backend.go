package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/fluxorio/eventstore/pkg/eventlog"
)

// AzureBlobBackend implements Backend against real Azure Storage append
// blobs, using an If-None-Match condition for the create precondition and
// an append-position condition for the append precondition the commit
// protocol depends on.
type AzureBlobBackend struct {
	service *azblob.Client
}

// NewAzureBlobBackend wraps an already-constructed Azure Storage client.
func NewAzureBlobBackend(service *azblob.Client) *AzureBlobBackend {
	return &AzureBlobBackend{service: service}
}

func (b *AzureBlobBackend) appendClient(container, blobPath string) *appendblob.Client {
	return b.service.ServiceClient().NewContainerClient(container).NewAppendBlobClient(blobPath)
}

func (b *AzureBlobBackend) CreateGenesis(ctx context.Context, container, blobPath string, marker eventlog.CommitMarker) error {
	client := b.appendClient(container, blobPath)
	_, err := client.Create(ctx, &appendblob.CreateOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETagAny),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("azureblob: create %s: %w", blobPath, err)
	}
	markerLine, err := eventlog.EncodeMarker(marker)
	if err != nil {
		return err
	}
	payload := append(markerLine, '\n')
	_, err = client.AppendBlock(ctx, streamBody(payload), &appendblob.AppendBlockOptions{
		AppendPositionAccessConditions: &appendblob.AppendPositionAccessConditions{
			AppendPosition: to.Ptr(int64(0)),
		},
	})
	if err != nil {
		return fmt.Errorf("azureblob: append genesis marker to %s: %w", blobPath, err)
	}
	return nil
}

func (b *AzureBlobBackend) Exists(ctx context.Context, container, blobPath string) (bool, error) {
	client := b.appendClient(container, blobPath)
	_, err := client.GetProperties(ctx, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("azureblob: GetProperties %s: %w", blobPath, err)
	}
	return true, nil
}

func (b *AzureBlobBackend) GetProperties(ctx context.Context, container, blobPath string) (BlobProperties, error) {
	client := b.appendClient(container, blobPath)
	props, err := client.GetProperties(ctx, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return BlobProperties{}, eventlog.NewError(eventlog.CodeValidationDocumentNotFound, "blob "+blobPath+" not found", err)
		}
		return BlobProperties{}, fmt.Errorf("azureblob: GetProperties %s: %w", blobPath, err)
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	var blockCount int
	if props.BlobCommittedBlockCount != nil {
		blockCount = int(*props.BlobCommittedBlockCount)
	}
	return BlobProperties{Size: size, BlockCount: blockCount}, nil
}

func (b *AzureBlobBackend) ReadRange(ctx context.Context, container, blobPath string, start int64) ([]byte, error) {
	client := b.appendClient(container, blobPath)
	resp, err := client.DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: start},
	})
	if err != nil {
		return nil, fmt.Errorf("azureblob: DownloadStream range %s: %w", blobPath, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *AzureBlobBackend) ReadFull(ctx context.Context, container, blobPath string) ([]byte, error) {
	client := b.appendClient(container, blobPath)
	resp, err := client.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblob: DownloadStream %s: %w", blobPath, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (b *AzureBlobBackend) Append(ctx context.Context, container, blobPath string, data []byte, expectedOffset int64) (int64, error) {
	client := b.appendClient(container, blobPath)
	_, err := client.AppendBlock(ctx, streamBody(data), &appendblob.AppendBlockOptions{
		AppendPositionAccessConditions: &appendblob.AppendPositionAccessConditions{
			AppendPosition: to.Ptr(expectedOffset),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("azureblob: AppendBlock %s at offset %d: %w", blobPath, expectedOffset, err)
	}
	return expectedOffset + int64(len(data)), nil
}

// RemoveEventsForFailedCommit is unsupported on append blobs: Azure has no
// primitive to truncate committed blocks, so this always reports nothing
// removed.
func (b *AzureBlobBackend) RemoveEventsForFailedCommit(ctx context.Context, container, blobPath string, fromVersion int) (int, error) {
	return 0, nil
}

func streamBody(data []byte) io.ReadSeekCloser {
	return nopSeekCloser{bytes.NewReader(data)}
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func isBlobNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}
