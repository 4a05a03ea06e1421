package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const validYAML = `
app:
  data_dir: /var/lib/ferry
source:
  base_url: https://source.example.com/api
  entity_types: [users, queues]
destination:
  base_url: https://dest.example.com/api
  entity_types: [users, queues]
migration:
  batch_size: 25
  sync_interval: 5m
  priorities:
    users: 1
    Queues: 2
backup:
  upload_targets:
    - type: s3
      enabled: true
      region: eu-west-1
      bucket: ferry-backups
    - type: gdrive
      enabled: false
`

func writeConfig(dir, content string) string {
	path := filepath.Join(dir, "config.yaml")
	So(os.WriteFile(path, []byte(content), 0644), ShouldBeNil)
	return path
}

func TestConfig(t *testing.T) {
	Convey("Given the config package", t, func() {
		tempDir, err := os.MkdirTemp("", "config_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		Convey("When loading a valid config", func() {
			cfg, err := Load(writeConfig(tempDir, validYAML))

			Convey("It should apply values and defaults", func() {
				So(err, ShouldBeNil)
				So(cfg.App.Name, ShouldEqual, "ferry")
				So(cfg.App.DataDir, ShouldEqual, "/var/lib/ferry")
				So(cfg.Migration.BatchSize, ShouldEqual, 25)
				So(cfg.Migration.SyncInterval, ShouldEqual, 5*time.Minute)
				So(cfg.Migration.CycleBackoff, ShouldEqual, time.Minute)
				So(cfg.Migration.MaxCycleRetries, ShouldEqual, 5)
				So(cfg.Monitor.StallThreshold, ShouldEqual, 10*time.Minute)
				So(cfg.Scheduler.PollSchedule, ShouldEqual, "0 * * * * *")
			})

			Convey("It should only return enabled upload targets", func() {
				So(err, ShouldBeNil)
				targets := cfg.GetEnabledUploadTargets()
				So(len(targets), ShouldEqual, 1)
				So(targets[0].Type, ShouldEqual, "s3")
			})

			Convey("It should resolve priorities case-insensitively", func() {
				So(err, ShouldBeNil)
				So(cfg.Migration.Priority("users"), ShouldEqual, 1)
				So(cfg.Migration.Priority("Queues"), ShouldEqual, 2)
				So(cfg.Migration.Priority("flows"), ShouldEqual, 5)
			})
		})

		Convey("When the file does not exist", func() {
			_, err := Load(filepath.Join(tempDir, "missing.yaml"))

			Convey("It should return an error", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "failed to read config")
			})
		})

		Convey("When the destination is missing", func() {
			_, err := Load(writeConfig(tempDir, `
source:
  base_url: https://source.example.com/api
  entity_types: [users]
`))

			Convey("It should fail validation", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "destination.base_url is required")
			})
		})

		Convey("When an upload target has an unknown type", func() {
			cfg, err := Load(writeConfig(tempDir, validYAML))
			So(err, ShouldBeNil)
			cfg.Backup.UploadTargets = append(cfg.Backup.UploadTargets, UploadTarget{Type: "ftp", Enabled: true})

			Convey("Validate should reject it", func() {
				err := cfg.Validate()
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, `unknown type "ftp"`)
			})
		})

		Convey("When a Drive target uses OAuth user credentials", func() {
			cfg, err := Load(writeConfig(tempDir, validYAML))
			So(err, ShouldBeNil)
			cfg.Backup.UploadTargets[1].Enabled = true
			cfg.Backup.UploadTargets[1].FolderID = "folder"

			Convey("It needs a token file next to the client secret", func() {
				cfg.Backup.UploadTargets[1].ClientSecretFile = "client_secret.json"
				So(cfg.Validate(), ShouldNotBeNil)

				cfg.Backup.UploadTargets[1].TokenFile = "drive_token.json"
				So(cfg.Validate(), ShouldBeNil)

				target, ok := cfg.DriveTarget()
				So(ok, ShouldBeTrue)
				So(target.TokenFile, ShouldEqual, "drive_token.json")
			})
		})
	})
}
