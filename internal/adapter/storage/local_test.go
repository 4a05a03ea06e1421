package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLocalMirror(t *testing.T) {
	Convey("Given a mirror directory for backup archives", t, func() {
		root := t.TempDir()
		ctx := context.Background()

		mirror, err := NewLocal(filepath.Join(root, "share", "ferry"))
		So(err, ShouldBeNil)

		archive := filepath.Join(root, "migration-backups", "full-1.zip")
		So(os.MkdirAll(filepath.Dir(archive), 0755), ShouldBeNil)
		So(os.WriteFile(archive, []byte("PK archive"), 0644), ShouldBeNil)

		Convey("NewLocal creates the nested mirror directory", func() {
			info, err := os.Stat(filepath.Join(root, "share", "ferry"))
			So(err, ShouldBeNil)
			So(info.IsDir(), ShouldBeTrue)
		})

		Convey("An uploaded archive can be downloaded back for restore", func() {
			So(mirror.Upload(ctx, archive, "full-1.zip"), ShouldBeNil)
			So(os.Remove(archive), ShouldBeNil)

			So(mirror.Download(ctx, "full-1.zip", archive), ShouldBeNil)
			content, err := os.ReadFile(archive)
			So(err, ShouldBeNil)
			So(string(content), ShouldEqual, "PK archive")
		})

		Convey("Download creates the missing local backup directory", func() {
			So(mirror.Upload(ctx, archive, "full-1.zip"), ShouldBeNil)

			target := filepath.Join(root, "fresh-data", "migration-backups", "full-1.zip")
			So(mirror.Download(ctx, "full-1.zip", target), ShouldBeNil)
			_, err := os.Stat(target)
			So(err, ShouldBeNil)
		})

		Convey("Uploading an archive that was never written fails", func() {
			err := mirror.Upload(ctx, filepath.Join(root, "missing.zip"), "missing.zip")
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to upload missing.zip")
		})

		Convey("Downloading an archive the mirror does not hold fails", func() {
			err := mirror.Download(ctx, "incr-9.zip", filepath.Join(root, "incr-9.zip"))
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "failed to download incr-9.zip")
		})

		Convey("List returns archives and ignores subdirectories", func() {
			So(mirror.Upload(ctx, archive, "full-1.zip"), ShouldBeNil)
			So(mirror.Upload(ctx, archive, "incr-2.zip"), ShouldBeNil)
			So(os.Mkdir(mirror.GetPath("snapshots"), 0755), ShouldBeNil)

			names, err := mirror.List(ctx)
			So(err, ShouldBeNil)
			sort.Strings(names)
			So(names, ShouldResemble, []string{"full-1.zip", "incr-2.zip"})
		})

		Convey("Delete removes the mirrored copy", func() {
			So(mirror.Upload(ctx, archive, "full-1.zip"), ShouldBeNil)
			So(mirror.Delete(ctx, "full-1.zip"), ShouldBeNil)

			names, err := mirror.List(ctx)
			So(err, ShouldBeNil)
			So(names, ShouldBeEmpty)

			Convey("and a second delete reports the missing file", func() {
				So(mirror.Delete(ctx, "full-1.zip"), ShouldNotBeNil)
			})
		})

		Convey("GetOldFiles selects copies older than the retention cutoff", func() {
			So(mirror.Upload(ctx, archive, "full-old.zip"), ShouldBeNil)
			So(mirror.Upload(ctx, archive, "full-new.zip"), ShouldBeNil)

			old := time.Now().AddDate(0, 0, -45)
			So(os.Chtimes(mirror.GetPath("full-old.zip"), old, old), ShouldBeNil)

			names, err := mirror.GetOldFiles(ctx, time.Now().AddDate(0, 0, -30))
			So(err, ShouldBeNil)
			So(names, ShouldResemble, []string{"full-old.zip"})
		})
	})
}
