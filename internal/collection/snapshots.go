package collection

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/usmc2033/qdrant/internal/cluster"
	"github.com/usmc2033/qdrant/internal/replica"
	"github.com/usmc2033/qdrant/internal/shard"
)

// SnapshotExtension terminates every finished snapshot file name.
const SnapshotExtension = ".snapshot"

const snapshotTimeFormat = "2006-01-02-15-04-05"

// SnapshotDescription describes one snapshot file on disk.
type SnapshotDescription struct {
	CreationTime time.Time `json:"creation_time"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
}

// ListSnapshots returns the collection snapshots on disk, sorted by name.
func (c *Collection) ListSnapshots() ([]SnapshotDescription, error) {
	return listSnapshotsInDirectory(c.snapshotsPath)
}

func listSnapshotsInDirectory(dir string) ([]SnapshotDescription, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cluster.WrapServiceError(err, "list snapshots in %s", dir)
	}
	var out []SnapshotDescription
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), SnapshotExtension) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, SnapshotDescription{
			Name:         entry.Name(),
			Size:         info.Size(),
			CreationTime: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetSnapshotPath resolves a snapshot name to its path, verifying the
// canonicalized result stays under the canonicalized snapshots directory.
// Anything escaping the directory — or missing — is NotFound.
func (c *Collection) GetSnapshotPath(snapshotName string) (string, error) {
	return checkedSnapshotPath(c.snapshotsPath, snapshotName)
}

func checkedSnapshotPath(dir, name string) (string, error) {
	canonicalDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", cluster.NewNotFound("snapshot directory %s", dir)
	}
	canonicalDir, err = filepath.Abs(canonicalDir)
	if err != nil {
		return "", cluster.NewNotFound("snapshot directory %s", dir)
	}

	requested := filepath.Join(dir, name)
	canonicalPath, err := filepath.EvalSymlinks(requested)
	if err != nil {
		return "", cluster.NewNotFound("snapshot %s", name)
	}
	canonicalPath, err = filepath.Abs(canonicalPath)
	if err != nil {
		return "", cluster.NewNotFound("snapshot %s", name)
	}

	if canonicalPath != canonicalDir &&
		!strings.HasPrefix(canonicalPath, canonicalDir+string(filepath.Separator)) {
		return "", cluster.NewNotFound("snapshot %s", name)
	}
	if _, err := os.Stat(requested); err != nil {
		return "", cluster.NewNotFound("snapshot %s", name)
	}
	return requested, nil
}

// CreateSnapshot produces an atomic snapshot of the whole collection:
//
//  1. snapshot every shard into a fresh temp directory under globalTempDir
//  2. write the collection config and version marker next to them
//  3. archive the tree into a tar, copy it to the snapshots directory with
//     a .tmp name, and atomically rename it into place
//
// Scratch files are removed on every path out. Writes are paused for the
// duration of phase one via the updates lock.
func (c *Collection) CreateSnapshot(ctx context.Context, globalTempDir string, thisPeer cluster.PeerID) (SnapshotDescription, error) {
	snapshotName := fmt.Sprintf("%s-%d-%s%s",
		c.name, thisPeer, time.Now().UTC().Format(snapshotTimeFormat), SnapshotExtension)
	snapshotPath := filepath.Join(c.snapshotsPath, snapshotName)
	log.WithFields(log.Fields{"collection": c.name, "snapshot": snapshotName}).
		Info("Creating collection snapshot")

	tempDir, err := os.MkdirTemp(globalTempDir, snapshotName+"-temp-")
	if err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "create snapshot temp directory")
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.WithError(err).Warn("Failed to remove snapshot temp directory")
		}
	}()

	// Phase 1: per-shard snapshots with writes paused.
	unlock := c.LockUpdates()
	err = func() error {
		defer unlock()
		c.holderMu.RLock()
		defer c.holderMu.RUnlock()
		// Listener nodes may snapshot whatever is currently flushed.
		saveWAL := c.nodeType != cluster.NodeTypeListener
		for _, rs := range c.holder.AllShards() {
			target := versionedShardPath(tempDir, rs.ShardID(), 0)
			if err := os.MkdirAll(target, 0o755); err != nil {
				return cluster.WrapServiceError(err, "create shard snapshot directory")
			}
			if err := rs.CreateSnapshot(ctx, tempDir, target, saveWAL); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		return SnapshotDescription{}, err
	}

	// Phase 2: config and version marker.
	if err := SaveVersion(tempDir); err != nil {
		return SnapshotDescription{}, err
	}
	c.configMu.RLock()
	err = c.config.Save(tempDir)
	c.configMu.RUnlock()
	if err != nil {
		return SnapshotDescription{}, err
	}

	// Phase 3: archive and move into place.
	tempArchive, err := os.CreateTemp(globalTempDir, snapshotName+"-arc-")
	if err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "create snapshot archive temp file")
	}
	defer os.Remove(tempArchive.Name())

	if err := buildTar(tempDir, tempArchive); err != nil {
		tempArchive.Close()
		return SnapshotDescription{}, err
	}
	if err := tempArchive.Close(); err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "flush snapshot archive")
	}

	// The scratch root may live on another mount, so copy to the final
	// directory under a temporary name first; the rename is then atomic.
	tmpMove := snapshotPath + ".tmp"
	if err := copyFile(tempArchive.Name(), tmpMove); err != nil {
		return SnapshotDescription{}, err
	}
	if err := os.Rename(tmpMove, snapshotPath); err != nil {
		os.Remove(tmpMove)
		return SnapshotDescription{}, cluster.WrapServiceError(err, "move snapshot into place")
	}

	log.WithFields(log.Fields{"collection": c.name, "snapshot": snapshotName}).
		Info("Collection snapshot completed")
	return describeSnapshot(snapshotPath)
}

func describeSnapshot(path string) (SnapshotDescription, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "stat snapshot %s", path)
	}
	return SnapshotDescription{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		CreationTime: info.ModTime().UTC(),
	}, nil
}

// RestoreSnapshot restores a collection snapshot into targetDir: the tar is
// unpacked, the config read back, and each expected shard dispatched to its
// type's restore routine. Blocking; meant for process startup.
func RestoreSnapshot(snapshotPath, targetDir string, thisPeer cluster.PeerID, isDistributed bool) error {
	archive, err := os.Open(snapshotPath)
	if err != nil {
		return cluster.WrapServiceError(err, "open snapshot %s", snapshotPath)
	}
	defer archive.Close()
	if err := extractTar(archive, targetDir); err != nil {
		return err
	}

	cfg, err := LoadConfig(targetDir)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	for id := uint32(0); id < cfg.Params.ShardNumber; id++ {
		shardPath := versionedShardPath(targetDir, cluster.ShardID(id), 0)
		shardCfg, err := shard.LoadConfig(shardPath)
		if err != nil {
			return err
		}
		if shardCfg == nil {
			return cluster.NewServiceError("can't read shard config at %s", shardPath)
		}
		switch shardCfg.Type {
		case shard.TypeLocal:
			if err := shard.RestoreLocalShardSnapshot(shardPath); err != nil {
				return err
			}
		case shard.TypeRemote:
			if err := shard.RestoreRemoteShardSnapshot(shardPath); err != nil {
				return err
			}
		case shard.TypeReplicaSet:
			if err := replica.RestoreSnapshot(shardPath, thisPeer, isDistributed); err != nil {
				return err
			}
		default:
			return cluster.NewServiceError("unknown shard type %q at %s", shardCfg.Type, shardPath)
		}
	}
	return nil
}

// AssertShardExists fails with NotFound when the shard is absent.
func (c *Collection) AssertShardExists(shardID cluster.ShardID) error {
	if !c.ContainsShard(shardID) {
		return cluster.NewNotFound("shard %d", shardID)
	}
	return nil
}

func (c *Collection) assertShardIsLocal(shardID cluster.ShardID) error {
	local := c.IsShardLocal(shardID)
	if local == nil {
		return cluster.NewNotFound("shard %d", shardID)
	}
	if !*local {
		return cluster.NewBadInput("shard %d is not a local shard", shardID)
	}
	return nil
}

func (c *Collection) snapshotsPathForShard(shardID cluster.ShardID) string {
	return filepath.Join(c.snapshotsPath, "shards", fmt.Sprintf("%d", shardID))
}

// GetShardSnapshotsPath returns the directory of the shard's snapshots,
// requiring a local shard.
func (c *Collection) GetShardSnapshotsPath(shardID cluster.ShardID) (string, error) {
	if err := c.assertShardIsLocal(shardID); err != nil {
		return "", err
	}
	return c.snapshotsPathForShard(shardID), nil
}

// GetShardSnapshotPath resolves a shard snapshot file name, rejecting names
// carrying path separators.
func (c *Collection) GetShardSnapshotPath(shardID cluster.ShardID, snapshotFileName string) (string, error) {
	if err := c.assertShardIsLocal(shardID); err != nil {
		return "", err
	}
	if filepath.Base(snapshotFileName) != snapshotFileName {
		return "", cluster.NewBadInput("invalid snapshot file name %s", snapshotFileName)
	}
	return filepath.Join(c.snapshotsPathForShard(shardID), snapshotFileName), nil
}

// ListShardSnapshots returns the snapshots of one local shard.
func (c *Collection) ListShardSnapshots(shardID cluster.ShardID) ([]SnapshotDescription, error) {
	if err := c.assertShardIsLocal(shardID); err != nil {
		return nil, err
	}
	return listSnapshotsInDirectory(c.snapshotsPathForShard(shardID))
}

// CreateShardSnapshot archives one local shard into the shard's snapshot
// directory.
func (c *Collection) CreateShardSnapshot(ctx context.Context, shardID cluster.ShardID, tempDir string) (SnapshotDescription, error) {
	c.holderMu.RLock()
	rs := c.holder.GetShard(shardID)
	c.holderMu.RUnlock()
	if rs == nil {
		return SnapshotDescription{}, cluster.NewNotFound("shard %d", shardID)
	}
	if !rs.IsLocal() {
		return SnapshotDescription{}, cluster.NewBadInput("shard %d is not a local shard", shardID)
	}

	snapshotName := fmt.Sprintf("%s-shard-%d-%s%s",
		c.name, shardID, time.Now().UTC().Format(snapshotTimeFormat), SnapshotExtension)

	stagingDir, err := os.MkdirTemp(tempDir, snapshotName+"-target-")
	if err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "create shard snapshot staging directory")
	}
	defer os.RemoveAll(stagingDir)

	if err := rs.CreateSnapshot(ctx, tempDir, stagingDir, false); err != nil {
		return SnapshotDescription{}, err
	}

	tempArchive, err := os.CreateTemp(tempDir, snapshotName+"-")
	if err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "create shard snapshot archive")
	}
	defer os.Remove(tempArchive.Name())
	if err := buildTar(stagingDir, tempArchive); err != nil {
		tempArchive.Close()
		return SnapshotDescription{}, err
	}
	if err := tempArchive.Close(); err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "flush shard snapshot archive")
	}

	snapshotDir := c.snapshotsPathForShard(shardID)
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return SnapshotDescription{}, cluster.WrapServiceError(err, "create shard snapshots directory")
	}
	snapshotPath := filepath.Join(snapshotDir, snapshotName)
	if err := copyFile(tempArchive.Name(), snapshotPath+".tmp"); err != nil {
		return SnapshotDescription{}, err
	}
	if err := os.Rename(snapshotPath+".tmp", snapshotPath); err != nil {
		os.Remove(snapshotPath + ".tmp")
		return SnapshotDescription{}, cluster.WrapServiceError(err, "move shard snapshot into place")
	}
	return describeSnapshot(snapshotPath)
}

// RestoreShardSnapshot restores one shard's replica from a snapshot archive
// while the rest of the collection keeps serving.
func (c *Collection) RestoreShardSnapshot(ctx context.Context, shardID cluster.ShardID, snapshotPath string, thisPeer cluster.PeerID, isDistributed bool, tempDir string) error {
	if err := c.AssertShardExists(shardID); err != nil {
		return err
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return cluster.WrapServiceError(err, "create restore temp directory")
	}
	stagingDir, err := os.MkdirTemp(tempDir, fmt.Sprintf("%s-shard-%d-restore-", c.name, shardID))
	if err != nil {
		return cluster.WrapServiceError(err, "create restore staging directory")
	}
	defer os.RemoveAll(stagingDir)

	archive, err := os.Open(snapshotPath)
	if err != nil {
		return cluster.WrapServiceError(err, "open shard snapshot %s", snapshotPath)
	}
	defer archive.Close()
	if err := extractTar(archive, stagingDir); err != nil {
		return err
	}
	if err := replica.RestoreSnapshot(stagingDir, thisPeer, isDistributed); err != nil {
		return err
	}

	recovered, err := c.RecoverLocalShardFrom(stagingDir, shardID)
	if err != nil {
		return err
	}
	if !recovered {
		return cluster.NewBadRequest("invalid snapshot %s", filepath.Base(snapshotPath))
	}
	return nil
}

// RecoverLocalShardFrom loads a shard replica's content from an unpacked
// snapshot directory.
func (c *Collection) RecoverLocalShardFrom(snapshotShardPath string, shardID cluster.ShardID) (bool, error) {
	c.holderMu.RLock()
	rs := c.holder.GetShard(shardID)
	c.holderMu.RUnlock()
	if rs == nil {
		return false, cluster.NewNotFound("shard %d", shardID)
	}
	return rs.RestoreLocalReplicaFrom(snapshotShardPath)
}

// buildTar archives dir's tree into w, paths relative to dir.
func buildTar(dir string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return cluster.WrapServiceError(err, "archive snapshot directory")
	}
	if err := tw.Close(); err != nil {
		return cluster.WrapServiceError(err, "finish snapshot archive")
	}
	return nil
}

// extractTar unpacks the archive into targetDir, refusing entries that
// escape it.
func extractTar(r io.Reader, targetDir string) error {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return cluster.WrapServiceError(err, "create extraction target")
	}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cluster.WrapServiceError(err, "read snapshot archive")
		}
		name := filepath.Clean(filepath.FromSlash(header.Name))
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return cluster.NewServiceError("snapshot archive entry %q escapes the target", header.Name)
		}
		dest := filepath.Join(targetDir, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return cluster.WrapServiceError(err, "create directory %s", dest)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return cluster.WrapServiceError(err, "create directory for %s", dest)
			}
			file, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return cluster.WrapServiceError(err, "create file %s", dest)
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return cluster.WrapServiceError(err, "write file %s", dest)
			}
			if err := file.Close(); err != nil {
				return err
			}
		default:
			// Snapshot archives only ever carry directories and files.
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s to %s", src, dst)
	}
	return out.Close()
}
