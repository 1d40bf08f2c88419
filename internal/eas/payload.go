package eas

// Status is the state an EAS build or submission reached.
// Values other than the constants below are kept as received.
type Status string

const (
	StatusCanceled Status = "canceled"
	StatusErrored  Status = "errored"
	StatusFinished Status = "finished"
)

// PlatformIOS is the only platform rendered differently.
const PlatformIOS = "ios"

// Common holds the fields both webhook shapes share.
type Common struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	AccountName string `json:"accountName"`
	ProjectName string `json:"projectName"`
	Platform    string `json:"platform"`
	Status      Status `json:"status"`
}

// BuildPayload is the body EAS Build posts.
type BuildPayload struct {
	Common
	BuildDetailsPageURL string     `json:"buildDetailsPageUrl"`
	Priority            string     `json:"priority"`
	Metadata            Metadata   `json:"metadata"`
	Artifacts           *Artifacts `json:"artifacts,omitempty"`
	Error               *Failure   `json:"error,omitempty"`
}

type Metadata struct {
	BuildProfile    string `json:"buildProfile"`
	AppVersion      string `json:"appVersion"`
	AppBuildVersion string `json:"appBuildVersion"`
}

type Artifacts struct {
	BuildURL string `json:"buildUrl"`
}

// Failure is the error block EAS attaches to errored builds and submissions.
type Failure struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

// SubmitPayload is the body EAS Submit posts.
type SubmitPayload struct {
	Common
	SubmissionDetailsPageURL string          `json:"submissionDetailsPageUrl"`
	SubmissionInfo           *SubmissionInfo `json:"submissionInfo,omitempty"`
}

type SubmissionInfo struct {
	Error *Failure `json:"error,omitempty"`
}

// BuildURL returns the artifact download URL, or "" when there is none.
func (p *BuildPayload) BuildURL() string {
	if p.Artifacts == nil {
		return ""
	}
	return p.Artifacts.BuildURL
}

// Failure returns the build error, never nil.
func (p *BuildPayload) Failure() Failure {
	if p.Error == nil {
		return Failure{}
	}
	return *p.Error
}

// Failure returns the submission error, never nil.
func (p *SubmitPayload) Failure() Failure {
	if p.SubmissionInfo == nil || p.SubmissionInfo.Error == nil {
		return Failure{}
	}
	return *p.SubmissionInfo.Error
}
