// Package meta loads and validates .torrent metainfo files (BEP 3).
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/arourke/gobt/internal/bencode"
)

type Metainfo struct {
	Info         *Info           `json:"info"`
	Announce     string          `json:"announce"`
	AnnounceList [][]string      `json:"announceList"`
	CreationDate time.Time       `json:"creationDate"`
	CreatedBy    string          `json:"createdBy"`
	Comment      string          `json:"comment"`
	Encoding     string          `json:"encoding"`
	URLs         []string        `json:"urls"`
	InfoHash     [sha1.Size]byte `json:"hash"`
}

type Info struct {
	Name        string            `json:"name"`
	PieceLength int32             `json:"pieceLength"`
	Pieces      [][sha1.Size]byte `json:"pieces"`
	Private     bool              `json:"private"`
	Length      int64             `json:"length"`
	Files       []*File           `json:"files"`
}

type File struct {
	Length int64    `json:"length"`
	Path   []string `json:"path"`
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// PieceCount is the number of fixed-size pieces the torrent is divided
// into, including the (possibly short) final piece.
func (info *Info) PieceCount() int { return len(info.Pieces) }

// IsMultiFile reports whether this torrent lays out a directory of files
// rather than a single file.
func (info *Info) IsMultiFile() bool { return len(info.Files) > 0 }

// Size is the torrent's total payload size across every constituent file.
func (m *Metainfo) Size() int64 {
	if !m.Info.IsMultiFile() {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// metadata groups the handful of optional, freeform descriptive fields a
// .torrent file may carry alongside its mandatory announce/info.
type metadata struct {
	createdBy    string
	comment      string
	encoding     string
	creationDate time.Time
}

func parseMetadata(root map[string]any) (metadata, error) {
	var md metadata
	var err error

	if md.createdBy, err = optionalString(root["created by"]); err != nil {
		return metadata{}, err
	}
	if md.comment, err = optionalString(root["comment"]); err != nil {
		return metadata{}, err
	}
	if md.encoding, err = optionalString(root["encoding"]); err != nil {
		return metadata{}, err
	}

	if v, ok := root["creation date"]; ok {
		secs, err := toInt(v)
		if err != nil || secs < 0 {
			return metadata{}, ErrCreationDateInvalid
		}
		md.creationDate = time.Unix(secs, 0).UTC()
	}

	return md, nil
}

// ParseMetainfo parses a .torrent file's raw bytes.
//
// The info hash is computed over the raw bytes of the 'info' dict exactly as
// they appear in data, not over a re-encoding of the decoded value — a
// source file whose info dict uses non-canonical key order must still
// produce the hash peers and trackers expect.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, ErrTopLevelNotDict
	}

	dec := bencode.NewDecoder(data)
	root, infoSpan, ok, err := dec.DecodeDictFieldSpan("info")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInfoMissing
	}

	announce, err := optionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := announceTiers(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	md, err := parseMetadata(root)
	if err != nil {
		return nil, err
	}

	info, err := parseInfo(root["info"])
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     sha1.Sum(infoSpan),
		Announce:     announce,
		AnnounceList: announceList,
		CreationDate: md.creationDate,
		CreatedBy:    md.createdBy,
		Comment:      md.comment,
		Encoding:     md.encoding,
	}, nil
}

func parseInfo(anyInfo any) (*Info, error) {
	if anyInfo == nil {
		return nil, ErrInfoMissing
	}
	dict, ok := anyInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	var out Info

	name, ok := dict["name"]
	if !ok {
		return nil, ErrNameMissing
	}
	nameStr, err := toString(name)
	if err != nil || nameStr == "" {
		return nil, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}
	out.Name = nameStr

	plen, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	plenInt, err := toInt(plen)
	if err != nil || plenInt <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(plenInt)

	if out.Pieces, err = parsePieces(dict["pieces"]); err != nil {
		return nil, err
	}

	if v, ok := dict["private"]; ok {
		private, err := toInt(v)
		if err != nil || (private != 0 && private != 1) {
			return nil, errors.New("metainfo: invalid 'private' flag")
		}
		out.Private = private == 1
	}

	if err := applyLayout(dict, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// applyLayout fills in Length or Files from dict's layout fields.
// Exactly one of "length" (single-file) or "files" (multi-file) must be
// present — not both, not neither.
func applyLayout(dict map[string]any, out *Info) error {
	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return errors.New("metainfo: invalid 'length'")
		}
		out.Length = length
		return nil

	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return err
		}
		out.Files = files
		return nil

	default:
		return ErrLayoutInvalid
	}
}

func parseFiles(v any) ([]*File, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, errors.New("metainfo: invalid or empty 'files'")
	}

	files := make([]*File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := toInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := toStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, &File{Length: ln, Path: segments})
	}

	return files, nil
}

func announceTiers(v any) ([][]string, error) {
	if v == nil {
		return [][]string{}, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return [][]string{}, errors.New("metainfo: invalid announce-list")
	}
	tiered, err := toTieredStrings(raw)
	if err != nil {
		return [][]string{}, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

func optionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	pieceBytes, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(pieceBytes)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	out := make([][sha1.Size]byte, len(pieceBytes)/sha1.Size)
	for i := range out {
		copy(out[i][:], pieceBytes[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
