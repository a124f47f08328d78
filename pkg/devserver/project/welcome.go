package project

import (
	"html/template"
	"net/http"
)

// WelcomeTitle is the title of the page served by apps without a root route.
const WelcomeTitle = "Devserver | The web, with simplicity"

var welcomePage = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html>
  <head>
    <meta charset="utf-8">
    <title>{{ .title }}</title>
  </head>
  <body>
    <h1>The web, with simplicity.</h1>
    <h2>Devserver is Open Source Software for web development with Go.</h2>
    <p>This page is shown because the <code>{{ .app }}</code> app has no route for its root yet.</p>
    <p>Create one with:</p>
    <pre>apps/{{ .app }}/actions/home/index.yaml
path: /</pre>
  </body>
</html>
`))

func writeWelcome(w http.ResponseWriter, app string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = welcomePage.Execute(w, map[string]string{"title": WelcomeTitle, "app": app})
}
