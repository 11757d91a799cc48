package alert

import "fmt"

// DefaultTitle names the service in alert headings.
const DefaultTitle = "API service"

// FormatException renders the fixed exception alert template.
func FormatException(title string, code int, message string) string {
	if title == "" {
		title = DefaultTitle
	}
	return fmt.Sprintf("# **%s exception alert⚠️**\n"+
		"> code: <font color=\"info\">%d</font> \n"+
		"> message: <font color=\"info\">%s</font> \n",
		title, code, message)
}
