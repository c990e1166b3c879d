package network

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// DownloadArtifactParams ...
type DownloadArtifactParams struct {
	SessionID    string
	DownloadPath string
}

// DownloadArtifact fetches the assembled artifact of a completed session
// to params.DownloadPath.
func DownloadArtifact(ctx context.Context, client *APIClient, params DownloadArtifactParams, logger log.Logger) error {
	if params.SessionID == "" {
		return fmt.Errorf("session ID is empty")
	}
	if params.DownloadPath == "" {
		return fmt.Errorf("download path is empty")
	}

	logger.Debugf("Get artifact download URL")
	url, err := client.ArtifactURL(ctx, params.SessionID)
	if err != nil {
		return fmt.Errorf("failed to get artifact URL: %w", err)
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createRetryLogFunction(logger)

	logger.Debugf("Download artifact")
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), url, params.DownloadPath); err != nil {
		return fmt.Errorf("failed to download artifact: %w", err)
	}

	return nil
}

func createRetryLogFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}
