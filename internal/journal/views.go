package journal

import "time"

// EntryView is the wire projection of a stored entry.
type EntryView struct {
	ServerID string `json:"server_id"`
	MobileID string `json:"mobile_id"`
	EntryFields
	Version          int64      `json:"version"`
	SyncStatus       SyncStatus `json:"sync_status"`
	ClientModifiedAt time.Time  `json:"client_modified_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	Duplicate        bool       `json:"duplicate,omitempty"`
}

// NewEntryView projects an entry for a response.
func NewEntryView(entry Entry) EntryView {
	view := EntryView{
		ServerID:         entry.ServerID,
		MobileID:         entry.MobileID,
		EntryFields:      entry.Fields(),
		Version:          entry.Version,
		SyncStatus:       entry.SyncStatus,
		ClientModifiedAt: fromMillis(entry.ClientModifiedAtMs),
		CreatedAt:        fromMillis(entry.CreatedAtMs),
		UpdatedAt:        fromMillis(entry.UpdatedAtMs),
	}
	if entry.DeletedAtMs > 0 {
		deletedAt := fromMillis(entry.DeletedAtMs)
		view.DeletedAt = &deletedAt
	}
	return view
}

// AttachmentView is the wire projection of a stored attachment.
type AttachmentView struct {
	ServerID      string     `json:"server_id"`
	MobileID      string     `json:"mobile_id"`
	EntryMobileID string     `json:"journal_entry_mobile_id"`
	MediaType     MediaType  `json:"media_type"`
	MimeType      string     `json:"mime_type"`
	SizeBytes     int64      `json:"size_bytes"`
	StorageKey    string     `json:"storage_key,omitempty"`
	Checksum      string     `json:"checksum,omitempty"`
	Caption       string     `json:"caption"`
	DisplayOrder  int        `json:"display_order"`
	IsHero        bool       `json:"is_hero"`
	Version       int64      `json:"version"`
	SyncStatus    SyncStatus `json:"sync_status"`
	IsDeleted     bool       `json:"is_deleted"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewAttachmentView projects an attachment for a response.
func NewAttachmentView(attachment MediaAttachment) AttachmentView {
	return AttachmentView{
		ServerID:      attachment.ServerID,
		MobileID:      attachment.MobileID,
		EntryMobileID: attachment.EntryMobileID,
		MediaType:     attachment.MediaType,
		MimeType:      attachment.MimeType,
		SizeBytes:     attachment.SizeBytes,
		StorageKey:    attachment.StorageKey,
		Checksum:      attachment.Checksum,
		Caption:       attachment.Caption,
		DisplayOrder:  attachment.DisplayOrder,
		IsHero:        attachment.IsHero,
		Version:       attachment.Version,
		SyncStatus:    attachment.SyncStatus,
		IsDeleted:     attachment.IsDeleted,
		UpdatedAt:     fromMillis(attachment.UpdatedAtMs),
	}
}

func entryViews(entries []Entry) []EntryView {
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, NewEntryView(entry))
	}
	return views
}

func attachmentViews(attachments []MediaAttachment) []AttachmentView {
	views := make([]AttachmentView, 0, len(attachments))
	for _, attachment := range attachments {
		views = append(views, NewAttachmentView(attachment))
	}
	return views
}
