package message

// StorageUpload asks the storage actor to upload File to Path.
type StorageUpload struct {
	Path string
	File []byte
	Opts UploadOptions
}

func (StorageUpload) Type() string { return "storage:upload" }

// StorageDelete asks the storage actor to delete Path.
type StorageDelete struct {
	Path string
}

func (StorageDelete) Type() string { return "storage:delete" }

// StorageUploadComplete reports a successful upload.
type StorageUploadComplete struct {
	Path   string
	Result UploadResult
}

func (StorageUploadComplete) Type() string { return "storage:upload-complete" }

// StorageDeleteComplete reports a successful delete.
type StorageDeleteComplete struct {
	Path string
}

func (StorageDeleteComplete) Type() string { return "storage:delete-complete" }

// StorageError reports a failed storage operation ("upload" or "delete").
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (StorageError) Type() string { return "storage:error" }
