// cmd/format.go

package main

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path"
	"regexp"
	"runtime"
	"strings"
	"time"

	"SecCam/pkg/meta"
	"SecCam/pkg/object"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

const passphraseEnv = "SECCAM_PASSPHRASE"

// createStorage opens the page store described by format, with its
// prefix, bandwidth limits and encryption applied.
func createStorage(format *meta.Format) (object.PageStore, error) {
	blob, err := object.CreateStorage(strings.ToLower(format.Storage), format.Bucket, format.AccessKey, format.SecretKey)
	if err != nil {
		return nil, err
	}
	prefix := format.Prefix
	if prefix == "" {
		prefix = format.Name + "/"
	}
	blob = object.WithPrefix(blob, prefix)
	if format.UploadLimit > 0 || format.DownloadLimit > 0 {
		blob = object.NewLimited(blob, format.UploadLimit, format.DownloadLimit)
	}

	if format.EncryptSalt != "" {
		passphrase := os.Getenv(passphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("volume %s is encrypted, %s is required", format.Name, passphraseEnv)
		}
		salt, err := hex.DecodeString(format.EncryptSalt)
		if err != nil {
			return nil, fmt.Errorf("invalid salt: %s", err)
		}
		blob, err = object.NewEncrypted(blob, object.DeriveKey(passphrase, salt))
		if err != nil {
			return nil, fmt.Errorf("init encryption: %s", err)
		}
	}
	return blob, nil
}

var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// doTesting creates a one page object, reads it back and deletes it.
func doTesting(ctx context.Context, store object.PageStore, key string, data []byte) error {
	w, err := store.OpenWriter(ctx, key, 0, object.WriterOptions{Size: int64(len(data))})
	if err != nil {
		return fmt.Errorf("Failed to create: %s", err)
	}
	if _, err = w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("Failed to write: %s", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("Failed to write: %s", err)
	}
	data2, err := object.ReadAll(ctx, store, key, 0, int64(len(data)))
	if err != nil {
		return fmt.Errorf("Failed to read: %s", err)
	}
	if !bytes.Equal(data, data2) {
		return fmt.Errorf("Read wrong data")
	}
	err = store.Delete(ctx, key)
	if err != nil {
		// it's OK to don't have deletion permission
		fmt.Printf("Failed to delete: %s", err)
	}
	return nil
}

func test(store object.PageStore) error {
	key := "testing/" + randSeq(10)
	data := make([]byte, store.PageSize())
	_, _ = crand.Read(data)
	nRetry := 3
	var err error
	for i := 0; i < nRetry; i++ {
		err = doTesting(context.Background(), store, key, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Second * time.Duration(i*3+1))
	}
	return err
}

func format(c *cli.Context) error {
	setup(c, 2)
	m, err := meta.NewClient(c.Args().Get(0), &meta.Config{Retries: 2})
	if err != nil {
		logger.Fatalf("meta: %s", err)
	}
	defer m.Shutdown()

	name := c.Args().Get(1)
	validName := regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{1,61}[a-z0-9]$`)
	if !validName.MatchString(name) {
		logger.Fatalf("invalid name: %s, only alphabet, number and - are allowed, and the length should be 3 to 63 characters.", name)
	}

	if c.Bool("no-update") {
		if _, err := m.Load(); err == nil {
			return nil
		}
	}

	format := meta.Format{
		Name:          name,
		UUID:          uuid.New().String(),
		Storage:       c.String("storage"),
		Bucket:        c.String("bucket"),
		AccessKey:     c.String("access-key"),
		SecretKey:     c.String("secret-key"),
		Prefix:        c.String("prefix"),
		UploadLimit:   c.Int64("upload-limit") << 10,
		DownloadLimit: c.Int64("download-limit") << 10,
	}
	if format.AccessKey == "" && os.Getenv("ACCESS_KEY") != "" {
		format.AccessKey = os.Getenv("ACCESS_KEY")
		_ = os.Unsetenv("ACCESS_KEY")
	}
	if format.SecretKey == "" && os.Getenv("SECRET_KEY") != "" {
		format.SecretKey = os.Getenv("SECRET_KEY")
		_ = os.Unsetenv("SECRET_KEY")
	}
	if c.Bool("encrypt") {
		if os.Getenv(passphraseEnv) == "" {
			logger.Fatalf("%s is required to encrypt recordings", passphraseEnv)
		}
		salt := make([]byte, 16)
		if _, err := crand.Read(salt); err != nil {
			logger.Fatalf("generate salt: %s", err)
		}
		format.EncryptSalt = hex.EncodeToString(salt)
	}

	blob, err := createStorage(&format)
	if err != nil {
		logger.Fatalf("object storage: %s", err)
	}
	logger.Infof("Data uses %s", blob)
	if err := test(blob); err != nil {
		logger.Fatalf("Storage %s is not configured correctly: %s", blob, err)
	}

	err = m.Init(format, c.Bool("force"))
	if err != nil {
		logger.Fatalf("format: %s", err)
	}
	format.RemoveSecret()
	logger.Infof("Volume is formatted as %+v", format)
	return nil
}

func formatFlags() *cli.Command {
	var defaultBucket string
	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Fatalf("%v", err)
		}
		defaultBucket = path.Join(homeDir, ".seccam", "local")
	default:
		defaultBucket = "/var/seccam"
	}
	return &cli.Command{
		Name:      "format",
		Usage:     "format a recording volume",
		ArgsUsage: "META-URL NAME",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "storage",
				Value: "file",
				Usage: "Page storage type (file, sftp, mem)",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Value: defaultBucket,
				Usage: "A directory or host/dir to store recordings",
			},
			&cli.StringFlag{
				Name:  "access-key",
				Usage: "Access key (user) for the storage (env ACCESS_KEY)",
			},
			&cli.StringFlag{
				Name:  "secret-key",
				Usage: "Secret key (password) for the storage (env SECRET_KEY)",
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "prefix of recorded objects (default NAME/)",
			},
			&cli.Int64Flag{
				Name:  "upload-limit",
				Usage: "bandwidth limit for upload in KiB/s",
			},
			&cli.Int64Flag{
				Name:  "download-limit",
				Usage: "bandwidth limit for download in KiB/s",
			},
			&cli.BoolFlag{
				Name:  "encrypt",
				Usage: "encrypt recordings with a key derived from " + passphraseEnv,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing format",
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "don't update existing volume",
			},
		},
		Action: format,
	}
}
