package analysis

import (
	"time"
)

// Job is one analysis attempt for an (owner, website URL) pair.
type Job struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	WebsiteURL     string     `json:"websiteUrl"`
	Status         Status     `json:"status"`
	Attempt        int        `json:"attempt"`
	Error          string     `json:"error,omitempty"`
	Result         Result     `json:"result"`
	CreatedAt      time.Time  `json:"createdAt"`
	StageStartedAt time.Time  `json:"stageStartedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Result accumulates stage outputs. Each field is set once by its stage and
// never cleared afterwards.
type Result struct {
	Scan     *RawContent        `json:"scan,omitempty"`
	Content  *StructuredContent `json:"content,omitempty"`
	Copy     *MarketingCopy     `json:"copy,omitempty"`
	Receipts []PublishReceipt   `json:"receipts,omitempty"`
}

// Empty reports whether no stage has contributed output yet.
func (r Result) Empty() bool {
	return r.Scan == nil && r.Content == nil && r.Copy == nil && len(r.Receipts) == 0
}

// Clone returns a deep copy so callers cannot mutate stored snapshots.
func (r Result) Clone() Result {
	out := Result{}
	if r.Scan != nil {
		scan := *r.Scan
		scan.Body = nil
		out.Scan = &scan
	}
	if r.Content != nil {
		content := *r.Content
		content.Headings = cloneStrings(r.Content.Headings)
		content.Paragraphs = cloneStrings(r.Content.Paragraphs)
		content.Keywords = cloneStrings(r.Content.Keywords)
		if r.Content.OpenGraph != nil {
			content.OpenGraph = make(map[string]string, len(r.Content.OpenGraph))
			for k, v := range r.Content.OpenGraph {
				content.OpenGraph[k] = v
			}
		}
		out.Content = &content
	}
	if r.Copy != nil {
		cp := *r.Copy
		cp.Hashtags = cloneStrings(r.Copy.Hashtags)
		if r.Copy.Posts != nil {
			cp.Posts = append([]SocialPost(nil), r.Copy.Posts...)
		}
		out.Copy = &cp
	}
	if r.Receipts != nil {
		out.Receipts = append([]PublishReceipt(nil), r.Receipts...)
	}
	return out
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	out := j
	out.Result = j.Result.Clone()
	if j.FinishedAt != nil {
		finished := *j.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}

// RawContent is the Scan stage output. Body stays in memory for the Extract
// stage and is never persisted; the snapshot lives in the blob store.
type RawContent struct {
	URL          string        `json:"url"`
	FinalURL     string        `json:"finalUrl"`
	StatusCode   int           `json:"statusCode"`
	ContentType  string        `json:"contentType,omitempty"`
	ContentHash  string        `json:"contentHash"`
	BlobURI      string        `json:"blobUri,omitempty"`
	Bytes        int           `json:"bytes"`
	UsedHeadless bool          `json:"usedHeadless"`
	FetchedAt    time.Time     `json:"fetchedAt"`
	Duration     time.Duration `json:"durationNs"`
	Body         []byte        `json:"-"`
}

// StructuredContent is the Extract stage output.
type StructuredContent struct {
	URL           string            `json:"url"`
	Title         string            `json:"title"`
	Description   string            `json:"description,omitempty"`
	Keywords      []string          `json:"keywords,omitempty"`
	CanonicalURL  string            `json:"canonicalUrl,omitempty"`
	Language      string            `json:"language,omitempty"`
	OpenGraph     map[string]string `json:"openGraph,omitempty"`
	Headings      []string          `json:"headings,omitempty"`
	Paragraphs    []string          `json:"paragraphs,omitempty"`
	Text          string            `json:"text,omitempty"`
	WordCount     int               `json:"wordCount"`
	InternalLinks int               `json:"internalLinks"`
	ExternalLinks int               `json:"externalLinks"`
}

// MarketingCopy is the Generate stage output.
type MarketingCopy struct {
	Headline  string       `json:"headline"`
	Summary   string       `json:"summary"`
	Posts     []SocialPost `json:"posts"`
	Hashtags  []string     `json:"hashtags,omitempty"`
	Generator string       `json:"generator"`
}

// PostFor returns the post drafted for a platform, falling back to the first
// post when no platform-specific draft exists.
func (m MarketingCopy) PostFor(platform string) (SocialPost, bool) {
	for _, p := range m.Posts {
		if p.Platform == platform {
			return p, true
		}
	}
	if len(m.Posts) > 0 {
		return m.Posts[0], true
	}
	return SocialPost{}, false
}

// SocialPost is a platform-specific draft.
type SocialPost struct {
	Platform string `json:"platform"`
	Text     string `json:"text"`
}

// ConnectedAccount is a social account the owner linked through OAuth. Token
// exchange happens elsewhere; the pipeline only consumes the access token.
type ConnectedAccount struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Platform    string `json:"platform"`
	Handle      string `json:"handle"`
	AccessToken string `json:"-"`
}

// Receipt states recorded per account.
const (
	ReceiptPosted = "posted"
	ReceiptFailed = "failed"
)

// PublishReceipt is the Publish stage output for one account.
type PublishReceipt struct {
	AccountID   string    `json:"accountId"`
	Platform    string    `json:"platform"`
	Handle      string    `json:"handle,omitempty"`
	Status      string    `json:"status"`
	PostID      string    `json:"postId,omitempty"`
	PostURL     string    `json:"postUrl,omitempty"`
	Error       string    `json:"error,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
}

// JobHandle is returned by Start without waiting for the pipeline.
type JobHandle struct {
	ID         string `json:"jobId"`
	WebsiteURL string `json:"websiteUrl"`
	Status     Status `json:"status"`
	Attempt    int    `json:"attempt"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	OwnerID   string
	Attempt   int
	Submitted int64
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
