package main

import (
	"crypto/sha1"
	"fmt"
	"os"

	"github.com/emberbt/ember/internal/bencode"
	"github.com/emberbt/ember/internal/metainfo"
)

// loadMetainfo reads and decodes a .torrent file at path into the plain
// Info structure the engine consumes. This lives in the CLI, not the
// core: the engine itself never parses metainfo bytes, it only accepts
// an already-decoded Info (spec.md §1).
func loadMetainfo(path string) (metainfo.Info, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return metainfo.Info{}, "", fmt.Errorf("read torrent file: %w", err)
	}

	v, err := bencode.Unmarshal(raw)
	if err != nil {
		return metainfo.Info{}, "", fmt.Errorf("decode torrent file: %w", err)
	}
	top, ok := v.(map[string]any)
	if !ok {
		return metainfo.Info{}, "", fmt.Errorf("torrent file: top-level value is not a dict")
	}

	infoDict, ok := top["info"].(map[string]any)
	if !ok {
		return metainfo.Info{}, "", fmt.Errorf("torrent file: missing info dict")
	}

	infoBytes, err := bencode.Marshal(infoDict)
	if err != nil {
		return metainfo.Info{}, "", fmt.Errorf("re-encode info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	name, _ := infoDict["name"].(string)
	pieceLength, err := asInt(infoDict["piece length"])
	if err != nil {
		return metainfo.Info{}, "", fmt.Errorf("torrent file: %w", err)
	}

	piecesBlob, _ := infoDict["pieces"].(string)
	if len(piecesBlob)%sha1.Size != 0 {
		return metainfo.Info{}, "", fmt.Errorf("torrent file: pieces field is not a multiple of %d bytes", sha1.Size)
	}
	hashes := make([][sha1.Size]byte, len(piecesBlob)/sha1.Size)
	for i := range hashes {
		copy(hashes[i][:], piecesBlob[i*sha1.Size:(i+1)*sha1.Size])
	}

	info := metainfo.Info{
		InfoHash:    infoHash,
		Name:        name,
		PieceLength: pieceLength,
		PieceHashes: hashes,
	}

	if filesRaw, ok := infoDict["files"].([]any); ok {
		for _, fr := range filesRaw {
			fd, ok := fr.(map[string]any)
			if !ok {
				return metainfo.Info{}, "", fmt.Errorf("torrent file: malformed files entry")
			}
			length, err := asInt(fd["length"])
			if err != nil {
				return metainfo.Info{}, "", fmt.Errorf("torrent file: %w", err)
			}
			pathRaw, _ := fd["path"].([]any)
			path := make([]string, 0, len(pathRaw))
			for _, p := range pathRaw {
				s, _ := p.(string)
				path = append(path, s)
			}
			info.Files = append(info.Files, metainfo.FileEntry{Path: path, Length: length})
		}
	} else {
		length, err := asInt(infoDict["length"])
		if err != nil {
			return metainfo.Info{}, "", fmt.Errorf("torrent file: %w", err)
		}
		info.Length = length
	}

	announce, _ := top["announce"].(string)
	return info, announce, nil
}

func asInt(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
	return n, nil
}
