package imagesource

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"

	"go.viam.com/objrec/rimage"
	"go.viam.com/objrec/utils"
)

type azureLoader struct {
	client *azblob.Client
}

func newAzureLoader(account, key string) (*azureLoader, error) {
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, errors.Wrap(err, "invalid azure credentials")
	}
	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", account),
		credential,
		nil,
	)
	if err != nil {
		return nil, errors.Wrap(err, "could not create azure blob client")
	}
	return &azureLoader{client: client}, nil
}

// parseBlobPath splits "<container>/<blob>".
func parseBlobPath(path string) (string, string, error) {
	container, blob, ok := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !ok || container == "" || blob == "" {
		return "", "", errors.Errorf("expected azblob://<container>/<blob>, got %q", path)
	}
	return container, blob, nil
}

func (l *azureLoader) open(path string) (Source, error) {
	container, blob, err := parseBlobPath(path)
	if err != nil {
		return nil, err
	}
	return &azureSource{client: l.client, container: container, blob: blob}, nil
}

type azureSource struct {
	client    *azblob.Client
	container string
	blob      string
}

func (s *azureSource) Capture(ctx context.Context) (image.Image, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blob, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "download of %s/%s failed", s.container, s.blob)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	data, err := readImage(resp.Body, maxImageBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "download of %s/%s failed", s.container, s.blob)
	}

	mimeType := utils.MimeTypeFromPath(s.blob)
	if resp.ContentType != nil && strings.HasPrefix(*resp.ContentType, "image/") {
		mimeType = *resp.ContentType
	}
	return rimage.DecodeImage(ctx, data, mimeType)
}

func (s *azureSource) Close(ctx context.Context) error {
	return nil
}
