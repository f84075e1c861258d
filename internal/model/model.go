package model

import "time"

// Settings are owned by the host's persistent storage. The JSON names match
// the blob the plugin always saved.
type Settings struct {
	Handle          string `json:"handle" validate:"required"`
	AppPassword     string `json:"password" validate:"required"`
	DefaultHashtags string `json:"defaultHashtags"`
}

// Credentials live for the process only; a later login overwrites them.
type Credentials struct {
	AccessJwt  string
	RefreshJwt string
	DID        string
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title"` // never empty once fetched
	Description string `json:"description"`
	Image       string `json:"image,omitempty"` // og:image, optional
	Domain      string `json:"domain"`
}

// Attachment is an image picked on the compose surface, before normalization.
type Attachment struct {
	Name     string
	Data     []byte
	MimeType string
}

type HistoryEntry struct {
	ID       int64
	URI      string
	CID      string
	Text     string
	PostedAt time.Time
}

// --- com.atproto.server.createSession ---

type CreateSessionReq struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}
type CreateSessionResp struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

// --- app.bsky.actor.getProfile ---

type GetProfileParams struct {
	Actor string `url:"actor"`
}
type ProfileResp struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// --- com.atproto.repo.uploadBlob ---

type UploadBlobResp struct {
	Blob Blob `json:"blob"`
}

// --- com.atproto.repo.createRecord ---

type CreateRecordReq struct {
	Repo       string     `json:"repo"`
	Collection string     `json:"collection"`
	Record     PostRecord `json:"record"`
}
type CreateRecordResp struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// XRPCError is the body the service sends with any non-2xx status.
type XRPCError struct {
	ErrorName string `json:"error"`
	Message   string `json:"message"`
}
