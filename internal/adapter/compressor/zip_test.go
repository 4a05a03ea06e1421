package compressor

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestZipArchiver(t *testing.T) {
	Convey("Given a ZipArchiver", t, func() {
		archiver := NewZip()

		tempDir, err := os.MkdirTemp("", "zip_archiver_test")
		So(err, ShouldBeNil)
		defer os.RemoveAll(tempDir)

		sourceDir := filepath.Join(tempDir, "staging")
		So(os.MkdirAll(filepath.Join(sourceDir, "logs"), 0755), ShouldBeNil)
		So(os.WriteFile(filepath.Join(sourceDir, "metadata.json"), []byte(`{"backup_id":"b1"}`), 0644), ShouldBeNil)
		So(os.WriteFile(filepath.Join(sourceDir, "logs", "migration.log"), []byte("line one"), 0644), ShouldBeNil)

		archivePath := filepath.Join(tempDir, "backup.zip")

		Convey("Archive method", func() {
			Convey("When archiving a valid directory", func() {
				err := archiver.Archive(sourceDir, archivePath)

				Convey("It should list every file with relative paths", func() {
					So(err, ShouldBeNil)

					entries, err := archiver.Entries(archivePath)
					So(err, ShouldBeNil)
					So(entries, ShouldContain, "metadata.json")
					So(entries, ShouldContain, "logs/migration.log")
					So(len(entries), ShouldEqual, 2)
				})
			})

			Convey("When the source directory does not exist", func() {
				err := archiver.Archive(filepath.Join(tempDir, "nope"), archivePath)

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "failed to open source dir")
				})
			})

			Convey("When the destination path is invalid", func() {
				err := archiver.Archive(sourceDir, filepath.Join(tempDir, "missing", "dir", "out.zip"))

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "failed to create dest file")
				})
			})
		})

		Convey("Extract method", func() {
			So(archiver.Archive(sourceDir, archivePath), ShouldBeNil)

			Convey("When extracting a valid archive", func() {
				destDir := filepath.Join(tempDir, "restore")
				err := archiver.Extract(archivePath, destDir)

				Convey("It should recreate the files", func() {
					So(err, ShouldBeNil)

					content, err := os.ReadFile(filepath.Join(destDir, "logs", "migration.log"))
					So(err, ShouldBeNil)
					So(string(content), ShouldEqual, "line one")
				})
			})

			Convey("When the archive is truncated", func() {
				data, err := os.ReadFile(archivePath)
				So(err, ShouldBeNil)
				truncated := filepath.Join(tempDir, "truncated.zip")
				So(os.WriteFile(truncated, data[:len(data)/2], 0644), ShouldBeNil)

				err = archiver.Extract(truncated, filepath.Join(tempDir, "restore"))

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "failed to open archive")
				})
			})

			Convey("When the file is not a zip", func() {
				bogus := filepath.Join(tempDir, "bogus.zip")
				So(os.WriteFile(bogus, []byte("not a zip file"), 0644), ShouldBeNil)

				_, err := archiver.Entries(bogus)

				Convey("It should return an error", func() {
					So(err, ShouldNotBeNil)
					So(err.Error(), ShouldContainSubstring, "failed to open archive")
				})
			})
		})
	})
}
