package types

// FileSource attributes a synced file to where it came from.
type FileSource string

const (
	SourceUser          FileSource = "user"
	SourceAgentCreated  FileSource = "agent-created"
	SourceAgentModified FileSource = "agent-modified"
)

// FileDescriptor tracks one path's sync state for a conversation.
type FileDescriptor struct {
	Path     string
	Size     int64
	Checksum string
	Source   FileSource
	Version  int
}
