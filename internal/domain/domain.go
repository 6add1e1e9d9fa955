package domain

// Device is a registered backup target. MountPath doubles as the device's
// address in the device manager protocol.
type Device struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MountPath      string `json:"mount_path"`
	IdentifierType string `json:"identifier_type" enum:"uuid,label,serial,path"`
	Identifier     string `json:"identifier"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Security captures the ownership and permission bits recorded with a
// backed up file or folder.
type Security struct {
	Permissions string `json:"permissions"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
}

type File struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	DeviceID   string   `json:"device_id"`
	BackupPath string   `json:"backup_path"`
	Checksum   string   `json:"checksum"`
	Size       int64    `json:"size"`
	Security   Security `json:"security"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Folder struct {
	ID         string   `json:"id"`
	Path       string   `json:"path"`
	DeviceID   string   `json:"device_id"`
	BackupPath string   `json:"backup_path"`
	Security   Security `json:"security"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
