package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	stasherr "github.com/partstash/partstash/internal/errors"
	"github.com/partstash/partstash/internal/manifest"
	"github.com/partstash/partstash/internal/stash"
	"github.com/partstash/partstash/internal/uid"
)

// ListFilesInput filters GET /api/files.
type ListFilesInput struct {
	Query             string `query:"q" doc:"Case-insensitive substring of the display name"`
	IncludeIncomplete bool   `query:"include_incomplete" doc:"Also list in-progress and failed files"`
	Limit             int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum number of files returned"`
}

// FileList is the body of a file listing.
type FileList struct {
	Files []manifest.FileSummary `json:"files"`
	// Truncated is set when more files matched than Limit.
	Truncated bool `json:"truncated"`
}

// ListFilesOutput is the Huma output of GET /api/files.
type ListFilesOutput struct {
	Body FileList
}

// FileIDInput addresses one file.
type FileIDInput struct {
	ID string `path:"id" maxLength:"128" doc:"File id"`
}

// FileOutput returns a full manifest.
type FileOutput struct {
	Body *manifest.LogicalFile
}

// DeleteFileInput addresses the file to delete.
type DeleteFileInput struct {
	ID    string `path:"id" maxLength:"128" doc:"File id"`
	Purge bool   `query:"purge" doc:"Also delete the parts from the backend"`
}

// DeleteFileOutput reports what a delete removed.
type DeleteFileOutput struct {
	Body *stash.DeleteResult
}

// VerifyInput addresses the file to verify.
type VerifyInput struct {
	ID   string `path:"id" maxLength:"128" doc:"File id"`
	Jobs int    `query:"jobs" default:"4" minimum:"1" maximum:"64" doc:"Parts checked in parallel"`
}

// VerifyOutput carries a verification report.
type VerifyOutput struct {
	Body *stash.VerifyReport
}

// FetchRequest asks the server to ingest a remote URL.
type FetchRequest struct {
	URL  string `json:"url" format:"uri" doc:"http or https URL to download"`
	Name string `json:"name,omitempty" doc:"Display name; defaults to the name suggested by the source"`
}

// FetchInput is the Huma input of POST /api/files/fetch.
type FetchInput struct {
	Body FetchRequest
}

// FetchAccepted identifies a background fetch.
type FetchAccepted struct {
	ID        string `json:"id" doc:"Id the file will have once stored"`
	StatusURL string `json:"status_url"`
}

// FetchOutput is the 202 response of POST /api/files/fetch.
type FetchOutput struct {
	Location string `header:"Location"`
	Body     FetchAccepted
}

// FetchState is the body of a fetch status query.
type FetchState struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
	// File is the stored record, once it exists.
	File *manifest.FileSummary `json:"file,omitempty"`
}

// FetchStateOutput is the Huma output of GET /api/files/fetch/{id}.
type FetchStateOutput struct {
	Body FetchState
}

// RegisterRequest is a complete manifest whose parts were uploaded outside
// partstash.
type RegisterRequest struct {
	ID          string          `json:"id,omitempty" maxLength:"128" doc:"File id; generated when empty"`
	DisplayName string          `json:"display_name"`
	ContentType string          `json:"content_type,omitempty"`
	TotalSize   int64           `json:"total_size" minimum:"0"`
	Parts       []manifest.Part `json:"parts"`
}

// RegisterInput is the Huma input of POST /api/manifests.
type RegisterInput struct {
	Body RegisterRequest
}

// SummaryOutput returns a file summary.
type SummaryOutput struct {
	Location string `header:"Location"`
	Body     manifest.FileSummary
}

// RegisterAPI registers the JSON file API on api.
func (h *FileHandler) RegisterAPI(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/api/files",
		Summary:     "List files",
		Tags:        []string{"Files"},
	}, h.listFiles)

	huma.Register(api, huma.Operation{
		OperationID: "get-file",
		Method:      http.MethodGet,
		Path:        "/api/files/{id}",
		Summary:     "Get a file manifest",
		Description: "Returns the manifest of a file in any state, including its ordered parts.",
		Tags:        []string{"Files"},
	}, h.getFile)

	huma.Register(api, huma.Operation{
		OperationID: "delete-file",
		Method:      http.MethodDelete,
		Path:        "/api/files/{id}",
		Summary:     "Delete a file",
		Tags:        []string{"Files"},
	}, h.deleteFile)

	huma.Register(api, huma.Operation{
		OperationID: "verify-file",
		Method:      http.MethodPost,
		Path:        "/api/files/{id}/verify",
		Summary:     "Verify a file",
		Description: "Reads every part back and checks its size and checksum.",
		Tags:        []string{"Files"},
	}, h.verifyFile)

	huma.Register(api, huma.Operation{
		OperationID:   "fetch-url",
		Method:        http.MethodPost,
		Path:          "/api/files/fetch",
		Summary:       "Ingest a remote URL",
		Description:   "Starts a background download of the URL into a new file.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusAccepted,
	}, h.fetchURL)

	huma.Register(api, huma.Operation{
		OperationID: "get-fetch",
		Method:      http.MethodGet,
		Path:        "/api/files/fetch/{id}",
		Summary:     "Get the state of a background fetch",
		Tags:        []string{"Files"},
	}, h.fetchState)

	huma.Register(api, huma.Operation{
		OperationID:   "register-manifest",
		Method:        http.MethodPost,
		Path:          "/api/manifests",
		Summary:       "Register an external manifest",
		Description:   "Records a complete file whose parts already exist on the backend.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusCreated,
	}, h.registerManifest)
}

func (h *FileHandler) listFiles(ctx context.Context, input *ListFilesInput) (*ListFilesOutput, error) {
	out := &ListFilesOutput{Body: FileList{Files: []manifest.FileSummary{}}}
	q := manifest.Query{NameContains: input.Query, IncludeIncomplete: input.IncludeIncomplete}
	for s, err := range h.stash.ListFiles(ctx, q) {
		if err != nil {
			return nil, apiError(err)
		}
		if len(out.Body.Files) == input.Limit {
			out.Body.Truncated = true
			break
		}
		out.Body.Files = append(out.Body.Files, s)
	}
	return out, nil
}

func (h *FileHandler) getFile(ctx context.Context, input *FileIDInput) (*FileOutput, error) {
	f, err := h.stash.Stat(ctx, input.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &FileOutput{Body: f}, nil
}

func (h *FileHandler) deleteFile(ctx context.Context, input *DeleteFileInput) (*DeleteFileOutput, error) {
	res, err := h.stash.Delete(ctx, input.ID, input.Purge)
	if err != nil {
		return nil, apiError(err)
	}
	return &DeleteFileOutput{Body: res}, nil
}

func (h *FileHandler) verifyFile(ctx context.Context, input *VerifyInput) (*VerifyOutput, error) {
	report, err := h.stash.Verify(ctx, input.ID, input.Jobs)
	if err != nil {
		return nil, apiError(err)
	}
	return &VerifyOutput{Body: report}, nil
}

func (h *FileHandler) fetchURL(ctx context.Context, input *FetchInput) (*FetchOutput, error) {
	id, err := h.stash.StartURLIngest(input.Body.URL, input.Body.Name)
	if err != nil {
		return nil, apiError(err)
	}
	status := "/api/files/fetch/" + id
	return &FetchOutput{
		Location: status,
		Body:     FetchAccepted{ID: id, StatusURL: status},
	}, nil
}

func (h *FileHandler) fetchState(ctx context.Context, input *FileIDInput) (*FetchStateOutput, error) {
	st, ok := h.stash.Fetch(input.ID)
	if !ok {
		return nil, apiError(stasherr.ErrNotFound.WithMessage("no fetch %q in this process", input.ID))
	}
	out := &FetchStateOutput{Body: FetchState{ID: st.ID, URL: st.URL, Done: st.Done, Error: st.Error}}

	f, err := h.stash.Stat(ctx, st.ID)
	switch {
	case err == nil:
		sum := f.Summary()
		out.Body.File = &sum
	case !errors.Is(err, stasherr.ErrNotFound):
		return nil, apiError(err)
	}
	return out, nil
}

func (h *FileHandler) registerManifest(ctx context.Context, input *RegisterInput) (*SummaryOutput, error) {
	req := input.Body
	if req.ID == "" {
		req.ID = uid.New()
	}
	f := &manifest.LogicalFile{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		ContentType: req.ContentType,
		TotalSize:   req.TotalSize,
		Parts:       req.Parts,
	}
	if err := h.stash.Register(ctx, f); err != nil {
		return nil, apiError(err)
	}
	stored, err := h.stash.Stat(ctx, f.ID)
	if err != nil {
		return nil, apiError(err)
	}
	return &SummaryOutput{Location: "/download/" + f.ID, Body: stored.Summary()}, nil
}
