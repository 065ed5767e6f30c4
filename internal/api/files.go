// ABOUTME: File attachment operations: multipart upload with progress, listing, deletion.
// ABOUTME: Upload progress is computed from bytes read off the source reader.

package api

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
)

// FileMeta is the server's attachment metadata, returned by upload and
// retrieval operations.
type FileMeta struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	MimeType       string `json:"mime_type"`
	DownloadURL    string `json:"download_url,omitempty"`
}

// progressReader reports the percentage of a known-size stream consumed.
// Each percentage value is reported at most once, in increasing order.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

// UploadFile uploads one file as a multipart request and returns the
// server's attachment metadata. progress, when non-nil, receives increasing
// percentages (1-100) as file bytes are read. Cancelling ctx aborts the
// request mid-transfer.
func (c *Client) UploadFile(ctx context.Context, convID, filename, mimeType string, size int64, r io.Reader, progress func(pct int)) (*FileMeta, error) {
	src := &progressReader{r: r, total: size, report: progress}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		err := writeUploadForm(form, convID, filename, mimeType, src)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files", pr)
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", filename, err)
	}
	defer resp.Body.Close()

	var out FileMeta
	if err := c.decode(resp, http.MethodPost, "/api/files", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// writeUploadForm writes the multipart body: the owning conversation (when
// bound to one) followed by the file part.
func writeUploadForm(form *multipart.Writer, convID, filename, mimeType string, src io.Reader) error {
	if convID != "" {
		if err := form.WriteField("conversation_id", convID); err != nil {
			return err
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if mimeType != "" {
		header.Set("Content-Type", mimeType)
	}
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, src)
	return err
}

// ListFiles returns attachment metadata, optionally scoped to a
// conversation.
func (c *Client) ListFiles(ctx context.Context, convID string) ([]FileMeta, error) {
	path := "/api/files"
	if convID != "" {
		path += "?conversation_id=" + url.QueryEscape(convID)
	}
	var out []FileMeta
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetFile returns one attachment's metadata.
func (c *Client) GetFile(ctx context.Context, id string) (*FileMeta, error) {
	var out FileMeta
	if err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteFile removes an attachment server-side.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(id), nil, nil)
}

// FileDownloadURL returns a short-lived download URL for an uploaded file.
func (c *Client) FileDownloadURL(ctx context.Context, id string) (string, error) {
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/files/"+url.PathEscape(id)+"/url", nil, &out); err != nil {
		return "", err
	}
	return out.DownloadURL, nil
}
