// Package ui provides terminal styling helpers for command output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// RenderPass renders success output (green).
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning output (yellow).
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders failure output (red).
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted output (cyan).
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderDim renders de-emphasized output.
func RenderDim(s string) string { return dimStyle.Render(s) }
