package sourcecraft

import "time"

// API wire types for the Sourcecraft v1 REST API.

type apiUser struct {
	Login string `json:"login"`
}

type apiRepo struct {
	Owner         apiUser `json:"owner"`
	Name          string  `json:"name"`
	DefaultBranch string  `json:"default_branch"`
	Private       bool    `json:"private"`
	Fork          bool    `json:"fork"`
	Parent        string  `json:"parent,omitempty"`
	Permission    string  `json:"permission,omitempty"` // "read", "write", "admin"
}

type apiIssue struct {
	Number    int       `json:"number"`
	Slug      string    `json:"slug,omitempty"`
	URL       string    `json:"html_url"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

type apiComment struct {
	ID        int64     `json:"id"`
	Author    apiUser   `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type apiPull struct {
	Number     int       `json:"number"`
	URL        string    `json:"html_url"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Draft      bool      `json:"draft"`
	State      string    `json:"state"` // "open", "closed", "merged"
	MergeState string    `json:"merge_state"`
	Author     apiUser   `json:"author"`
	Head       apiRef    `json:"head"`
	Base       apiRef    `json:"base"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type apiRef struct {
	Branch string `json:"branch"`
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	SHA    string `json:"sha,omitempty"`
}

type apiBranch struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

type apiPaste struct {
	URL string `json:"html_url"`
}

type apiError struct {
	Message string `json:"message"`
}
