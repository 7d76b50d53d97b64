package tracker

import (
	"embed"
	"html/template"
	"io"

	"github.com/abiosoft/mold"
	"github.com/russross/blackfriday/v2"
)

var (
	//go:embed templates/*
	templateFS embed.FS

	// TemplateFuncMap contains custom template functions available globally
	TemplateFuncMap = template.FuncMap{
		"add": func(a, b int) int { return a + b },
		"markdown": func(text string) template.HTML {
			return template.HTML(blackfriday.Run([]byte(text)))
		},
	}

	// templateEngine handles layout inheritance over the embedded tree.
	templateEngine = mold.Must(mold.New(templateFS,
		mold.WithRoot("templates"),
		mold.WithLayout("layouts/main.layout.html"),
		mold.WithFuncMap(TemplateFuncMap),
	))
)

// RenderPage renders one page inside the main layout.
func RenderPage(w io.Writer, pageName string, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	return templateEngine.Render(w, "pages/"+pageName, data)
}
