package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fdny-imt/xView2-FDNY/internal/raster"
)

// OutputSink mirrors files written under the output directory into a bucket, keyed by their relative path.
type OutputSink struct {
	provider  Provider
	bucket    string
	outputDir string
}

func NewOutputSink(ctx context.Context, provider Provider, bucket, outputDir string) (*OutputSink, error) {
	if err := provider.CreateBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return &OutputSink{provider: provider, bucket: bucket, outputDir: outputDir}, nil
}

func (s *OutputSink) Bucket() string {
	return s.bucket
}

func (s *OutputSink) Key(path string) (string, error) {
	rel, err := filepath.Rel(s.outputDir, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside of the output directory %s", path, s.outputDir)
	}
	return filepath.ToSlash(rel), nil
}

// UploadRaster uploads a raster with whichever of its world file and projection sidecars exist.
func (s *OutputSink) UploadRaster(ctx context.Context, path string) (string, error) {
	key, err := s.Key(path)
	if err != nil {
		return "", err
	}
	if err := uploadFile(ctx, s.provider, s.bucket, key, path); err != nil {
		return "", fmt.Errorf("error uploading %s: %w", path, err)
	}

	for _, sidecar := range []string{raster.WorldFilePath(path), raster.ProjectionFilePath(path)} {
		sidecarKey, err := s.Key(sidecar)
		if err != nil {
			return "", err
		}
		if err := uploadFile(ctx, s.provider, s.bucket, sidecarKey, sidecar); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("error uploading %s: %w", sidecar, err)
		}
	}

	return key, nil
}

// UploadDir uploads a whole subdirectory of the output directory, such as the run log.
func (s *OutputSink) UploadDir(ctx context.Context, dir string) error {
	prefix, err := s.Key(dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return UploadDir(ctx, s.provider, s.bucket, prefix, dir)
}
