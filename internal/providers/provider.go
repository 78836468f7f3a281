package providers

// Provider is one concrete upstream endpoint for one kind.
type Provider struct {
	Kind    Kind   `json:"kind"`
	BaseURL string `json:"api_url"`
	APIKey  string `json:"-"`
	Name    string `json:"name,omitempty"`
	Level   int    `json:"level"`
}

// ID is stable across reloads as long as the kind and URL are unchanged.
func (p Provider) ID() string {
	return string(p.Kind) + "::" + p.BaseURL
}

// Label is the human-readable form used in logs.
func (p Provider) Label() string {
	if p.Name != "" {
		return p.Name + " (" + p.BaseURL + ")"
	}
	return p.BaseURL
}

// View is the admin-facing form of a Provider with the credential masked.
type View struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	BaseURL string `json:"api_url"`
	Name    string `json:"name,omitempty"`
	Level   int    `json:"level"`
	Cred    string `json:"credential"`
}

// View returns p with its API key masked down to the last four characters.
func (p Provider) View() View {
	return View{
		ID:      p.ID(),
		Kind:    p.Kind,
		BaseURL: p.BaseURL,
		Name:    p.Name,
		Level:   p.Level,
		Cred:    mask(p.APIKey),
	}
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
