package utils

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("37")) // dark green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13")) // purple
)

var StyleSymbols = map[string]string{
	"pass":   "✓",
	"fail":   "✗",
	"arrow":  "→",
	"bullet": "•",
	"hline":  "━",
}

func PrintSuccess(text string) {
	fmt.Println(successStyle.Render(text))
}
func PrintError(text string) {
	fmt.Println(errorStyle.Render(text))
}
func PrintWarning(text string) {
	fmt.Println(warningStyle.Render(text))
}
func PrintInfo(text string) {
	fmt.Println(infoStyle.Render(text))
}
func FDetail(text string) string {
	return detailStyle.Render(text)
}
func FInfo(text string) string {
	return infoStyle.Render(text)
}
