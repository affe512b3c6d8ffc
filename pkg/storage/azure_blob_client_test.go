package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testConnectionString = "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net"

func TestNewAzureBlobClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		logger           *zap.Logger
		wantErr          bool
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "runs",
			logger:           logger,
			wantErr:          true,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: testConnectionString,
			containerName:    "",
			logger:           logger,
			wantErr:          true,
			errContains:      "container name is required",
		},
		{
			name:             "missing account credentials",
			connectionString: "DefaultEndpointsProtocol=https;EndpointSuffix=core.windows.net",
			containerName:    "runs",
			logger:           logger,
			wantErr:          true,
			errContains:      "account name and key",
		},
		{
			name:             "nil logger is accepted",
			connectionString: testConnectionString,
			containerName:    "runs",
			logger:           nil,
			wantErr:          false,
		},
		{
			name:             "valid connection string",
			connectionString: testConnectionString,
			containerName:    "runs",
			logger:           logger,
			wantErr:          false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, tt.logger)

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, client)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, client)
		})
	}
}

func TestNewAzureBlobClientAzuriteEndpoint(t *testing.T) {
	connectionString := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
		"AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1/"

	client, err := NewAzureBlobClient(connectionString, "runs", nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", client.serviceURL)
}

func TestParseConnectionString(t *testing.T) {
	params := parseConnectionString(
		"DefaultEndpointsProtocol=https; AccountName=acct;AccountKey=a2V5PT0=;;BlobEndpoint=https://acct.blob.core.windows.net")

	assert.Equal(t, "https", params["DefaultEndpointsProtocol"])
	assert.Equal(t, "acct", params["AccountName"])
	// Values keep their own '=' padding.
	assert.Equal(t, "a2V5PT0=", params["AccountKey"])
	assert.Equal(t, "https://acct.blob.core.windows.net", params["BlobEndpoint"])
}

func TestExtractBlobPath(t *testing.T) {
	client, err := NewAzureBlobClient(testConnectionString, "runs", nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		reference string
		want      string
		wantErr   bool
	}{
		{
			name:      "full blob URL",
			reference: "https://test.blob.core.windows.net/runs/graph-1/run-1/windows.json",
			want:      "graph-1/run-1/windows.json",
		},
		{
			name:      "URL with SAS query",
			reference: "https://test.blob.core.windows.net/runs/graph-1/run-1/windows.json?sig=abc&se=2026",
			want:      "graph-1/run-1/windows.json",
		},
		{
			name:      "container relative path",
			reference: "runs/graph-1/run-1/windows.json",
			want:      "graph-1/run-1/windows.json",
		},
		{
			name:      "bare blob path",
			reference: "graph-1/run-1/windows.json",
			want:      "graph-1/run-1/windows.json",
		},
		{
			name:      "escaped path",
			reference: "https://test.blob.core.windows.net/runs/graph%201/windows.json",
			want:      "graph 1/windows.json",
		},
		{
			name:      "empty reference",
			reference: "   ",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.extractBlobPath(tt.reference)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
