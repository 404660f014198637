// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/familygan/pkg/faces"
	"github.com/gomlx/familygan/pkg/latent"
	"github.com/gomlx/familygan/pkg/latentcache"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// listCache prints one row per cached latent.
func listCache(cache latentcache.Cache) error {
	table := newPlainTable(lipgloss.Left, lipgloss.Center, lipgloss.Right).
		Headers("Image Key", "Shape", "Norm")
	var count int
	err := cache.Range(func(key faces.Key, code latent.Code) bool {
		table.Row(key.Short(), code.Shape().String(), fmt.Sprintf("%.3f", code.Norm()))
		count++
		return true
	})
	if err != nil {
		return err
	}
	fmt.Println(table.Render())
	fmt.Printf("%s cached latents\n", humanize.Comma(int64(count)))
	return nil
}
