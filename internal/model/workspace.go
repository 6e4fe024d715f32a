package model

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
)

// WorkspaceID is a stable hash of the workspace root's absolute path,
// used to scope the singleton lock file name (state/ws.<id>.lock). Using
// md5 here is not a security boundary — it is the same "short stable
// identifier for a path" role the reference codebase uses content hashes
// for elsewhere (e.g. ductile's blake3 content-addressing); md5 hex is
// plenty for a filename-safe, collision-unlikely tag.
func WorkspaceID(workspaceRoot string) (string, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(abs))
	return hex.EncodeToString(sum[:]), nil
}
