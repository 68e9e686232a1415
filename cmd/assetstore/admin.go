package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bertiespell/asset-canister/internal/api"
	"github.com/bertiespell/asset-canister/internal/auth"
	"github.com/spf13/cobra"
)

var (
	adminServer   string
	adminToken    string
	adminAs       string
	adminMetadata string

	forceOwner  string
	forceName   string
	forceType   string
	forceChunks uint64
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Run superuser operations against a running server",
		Long: `Run superuser operations against a running server.

Authenticate with --token, or with --as to mint a short-lived token for a
superuser from the local config's auth secret.

Examples:
  assetstore admin blocked --as root
  assetstore admin block mallory --metadata "spam uploads" --as root
  assetstore admin purge mallory --as root
  assetstore admin force-create cat.png --owner alice --type image/png --as root`,
	}
	adminCmd.PersistentFlags().StringVar(&adminServer, "server", "http://127.0.0.1:8080", "server base URL")
	adminCmd.PersistentFlags().StringVar(&adminToken, "token", "", "bearer token")
	adminCmd.PersistentFlags().StringVar(&adminAs, "as", "", "mint a token for this superuser from the config secret")

	blockCmd := &cobra.Command{
		Use:   "block <identity>",
		Short: "Block an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodPost, "/api/admin/blocked/"+url.PathEscape(args[0]), metadataQuery(), nil)
		},
	}
	blockCmd.Flags().StringVar(&adminMetadata, "metadata", "", "reason recorded with the block")
	adminCmd.AddCommand(blockCmd)

	adminCmd.AddCommand(&cobra.Command{
		Use:   "unblock <identity>",
		Short: "Unblock an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodDelete, "/api/admin/blocked/"+url.PathEscape(args[0]), nil, nil)
		},
	})

	purgeCmd := &cobra.Command{
		Use:   "purge <identity>",
		Short: "Block an identity and delete every file it owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodPost, "/api/admin/purge/"+url.PathEscape(args[0]), metadataQuery(), nil)
		},
	}
	purgeCmd.Flags().StringVar(&adminMetadata, "metadata", "", "reason recorded with the block")
	adminCmd.AddCommand(purgeCmd)

	adminCmd.AddCommand(&cobra.Command{
		Use:   "blocked",
		Short: "List blocked identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodGet, "/api/admin/blocked", nil, nil)
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "warnings",
		Short: "List rate limit warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodGet, "/api/admin/warnings", nil, nil)
		},
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "capacity",
		Short: "Show persisted bytes and capacity headroom",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminDo(http.MethodGet, "/api/admin/capacity", nil, nil)
		},
	})

	forceCmd := &cobra.Command{
		Use:   "force-create <file>",
		Short: "Create a file on behalf of another identity",
		Long: `Create a file on behalf of another identity, bypassing rate limits.

The given local file becomes the first chunk.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read chunk: %w", err)
			}
			name := forceName
			if name == "" {
				name = args[0]
			}
			q := url.Values{}
			q.Set("owner", forceOwner)
			q.Set("name", name)
			q.Set("type", forceType)
			q.Set("chunks", strconv.FormatUint(forceChunks, 10))
			return adminDo(http.MethodPost, "/api/admin/files", q, data)
		},
	}
	forceCmd.Flags().StringVar(&forceOwner, "owner", "", "identity that will own the file")
	forceCmd.Flags().StringVar(&forceName, "name", "", "file name (default: local file path)")
	forceCmd.Flags().StringVar(&forceType, "type", "", "content type, image/* or video/*")
	forceCmd.Flags().Uint64Var(&forceChunks, "chunks", 1, "declared number of chunks")
	_ = forceCmd.MarkFlagRequired("owner")
	_ = forceCmd.MarkFlagRequired("type")
	adminCmd.AddCommand(forceCmd)

	return adminCmd
}

func metadataQuery() url.Values {
	if adminMetadata == "" {
		return nil
	}
	return url.Values{"metadata": {adminMetadata}}
}

// resolveAdminToken returns the bearer token from --token or mints one for --as.
func resolveAdminToken() (string, error) {
	if adminToken != "" {
		return adminToken, nil
	}
	if adminAs == "" {
		return "", fmt.Errorf("--token or --as is required")
	}
	cfg, err := loadConfig(cfgFile, "")
	if err != nil {
		return "", err
	}
	return mintToken(cfg, auth.Identity(adminAs), 5*time.Minute)
}

func adminDo(method, path string, query url.Values, body []byte) error {
	token, err := resolveAdminToken()
	if err != nil {
		return err
	}
	out, err := adminRequest(&http.Client{Timeout: 30 * time.Second}, adminServer, token, method, path, query, body)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		fmt.Println(string(out))
	}
	return nil
}

// adminRequest performs one API call and returns the indented JSON body.
// Non-2xx responses are returned as errors carrying the server's error code.
func adminRequest(client *http.Client, server, token, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := strings.TrimRight(server, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return nil, fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Message, apiErr.Code)
		}
		return nil, fmt.Errorf("%s", resp.Status)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return raw, nil
	}
	return pretty.Bytes(), nil
}
