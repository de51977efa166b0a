package models

// FileDescriptor is the wire form of a fully owned file announced at registration.
type FileDescriptor struct {
	FileID   int      `bencode:"id"`
	Count    int      `bencode:"count"`
	Segments []string `bencode:"segments"`
}

// FileRecord holds the segment hashes one holder has for one file. An empty
// entry means the holder does not have that segment.
type FileRecord struct {
	FileID   int
	Segments []string
}

func NewFileRecord(fileID, count int) *FileRecord {
	return &FileRecord{FileID: fileID, Segments: make([]string, count)}
}

func (r *FileRecord) SegmentCount() int {
	return len(r.Segments)
}

func (r *FileRecord) Held(index int) bool {
	return index >= 0 && index < len(r.Segments) && r.Segments[index] != ""
}

func (r *FileRecord) Complete() bool {
	if len(r.Segments) == 0 {
		return false
	}
	for _, h := range r.Segments {
		if h == "" {
			return false
		}
	}
	return true
}

// Missing lists the indices that are not held, in order.
func (r *FileRecord) Missing() []int {
	missing := make([]int, 0)
	for i, h := range r.Segments {
		if h == "" {
			missing = append(missing, i)
		}
	}
	return missing
}

func (r *FileRecord) Clone() *FileRecord {
	segments := make([]string, len(r.Segments))
	copy(segments, r.Segments)
	return &FileRecord{FileID: r.FileID, Segments: segments}
}

// PeerInput is what a peer starts with: complete owned files and the ordered
// list of file ids it wants.
type PeerInput struct {
	Owned  []FileDescriptor
	Wishes []int
}
