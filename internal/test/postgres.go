package test

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/guseggert/testcluster/internal/net"
	"github.com/guseggert/testcluster/ledger"
	"github.com/stretchr/testify/require"
)

const (
	postgresImage    = "postgres:15-alpine"
	postgresUser     = "travis"
	postgresPassword = "travis"
	postgresDB       = "dev"
)

// Postgres starts a throwaway Postgres container and returns how to connect to it.
// The container is removed when the test finishes.
func Postgres(t *testing.T) ledger.ConnConfig {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	t.Cleanup(func() { dockerClient.Close() })

	out, err := dockerClient.ImagePull(ctx, postgresImage, types.ImagePullOptions{})
	require.NoError(t, err)
	_, err = io.Copy(io.Discard, out)
	out.Close()
	require.NoError(t, err)

	hostPort, err := net.GetEphemeralTCPPort()
	require.NoError(t, err)

	createResp, err := dockerClient.ContainerCreate(
		ctx,
		&container.Config{
			Image: postgresImage,
			Env: []string{
				"POSTGRES_USER=" + postgresUser,
				"POSTGRES_PASSWORD=" + postgresPassword,
				"POSTGRES_DB=" + postgresDB,
			},
			ExposedPorts: nat.PortSet{"5432/tcp": struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{"5432/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}},
		},
		nil,
		nil,
		"testcluster-postgres-"+uuid.New().String()[:8],
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		err := dockerClient.ContainerRemove(context.Background(), createResp.ID, types.ContainerRemoveOptions{
			RemoveVolumes: true,
			Force:         true,
		})
		if err != nil {
			t.Logf("removing container %q: %s", createResp.ID, err)
		}
	})

	err = dockerClient.ContainerStart(ctx, createResp.ID, types.ContainerStartOptions{})
	require.NoError(t, err)

	cfg := ledger.ConnConfig{
		Host:           "127.0.0.1",
		Port:           hostPort,
		User:           postgresUser,
		Password:       postgresPassword,
		DBName:         postgresDB,
		SSLMode:        "disable",
		ConnectTimeout: 5 * time.Second,
	}
	require.NoError(t, waitForPostgres(ctx, cfg), "waiting for Postgres")
	return cfg
}

func waitForPostgres(ctx context.Context, cfg ledger.ConnConfig) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w, last error: %s", ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
