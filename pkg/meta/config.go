// pkg/meta/config.go

package meta

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Config for clients.
type Config struct {
	Retries   int
	ReadOnly  bool
	Heartbeat time.Duration // interval of session heartbeats, a minute when zero
}

// Format is the persisted description of a recording volume.
type Format struct {
	Name          string
	UUID          string
	Storage       string
	Bucket        string
	AccessKey     string
	SecretKey     string `json:",omitempty"`
	Prefix        string `json:",omitempty"`
	UploadLimit   int64  `json:",omitempty"` // bytes per second
	DownloadLimit int64  `json:",omitempty"`
	EncryptSalt   string `json:",omitempty"`
}

func (f *Format) RemoveSecret() {
	if f.SecretKey != "" {
		f.SecretKey = "removed"
	}
}

func (c *Config) heartbeat() time.Duration {
	if c == nil || c.Heartbeat <= 0 {
		return time.Minute
	}
	return c.Heartbeat
}

// mergeFormat checks an update of the stored format. Credentials and
// bandwidth limits may change, the rest is fixed unless force is set.
func mergeFormat(body []byte, format *Format, force bool) error {
	var old Format
	if err := json.Unmarshal(body, &old); err != nil {
		return errors.Wrap(err, "existing format is broken")
	}
	if force {
		old.RemoveSecret()
		logger.Warnf("Existing volume will be overwritten: %+v", old)
		return nil
	}
	format.UUID = old.UUID
	old.AccessKey = format.AccessKey
	old.SecretKey = format.SecretKey
	old.UploadLimit = format.UploadLimit
	old.DownloadLimit = format.DownloadLimit
	if *format != old {
		old.SecretKey = ""
		f := *format
		f.SecretKey = ""
		return fmt.Errorf("cannot update format from %+v to %+v", old, f)
	}
	return nil
}
