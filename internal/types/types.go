package types

// AnalyzeRequest is the body of POST /analyze. A nil HTML makes the server
// fetch the page itself; an empty string is analyzed as an empty document.
type AnalyzeRequest struct {
	URL  string  `json:"url" binding:"required"`
	HTML *string `json:"html,omitempty"`
	Mode string  `json:"mode,omitempty"`
}

// BatchRequest is the body of POST /analyze/batch.
type BatchRequest struct {
	Requests []AnalyzeRequest `json:"requests" binding:"required,min=1,max=100,dive"`
}

// NavigationRequest is sent by the browser host for every committed
// navigation. FrameID 0 is the main frame.
type NavigationRequest struct {
	URL     string  `json:"url" binding:"required"`
	FrameID int     `json:"frame_id"`
	HTML    *string `json:"html,omitempty"`
}

// ProtectionRequest toggles navigation screening.
type ProtectionRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// HistoryQuery filters GET /analyses.
type HistoryQuery struct {
	Limit   int    `form:"limit"`
	Verdict string `form:"verdict"`
}
