package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/seqclassifier/textclf"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	markedStyle = cellStyle.Foreground(lipgloss.AdaptiveColor{Light: "1", Dark: "9"})
)

// renderTable renders rows under headers. Rows with marked[row] set are rendered in a warning color.
// Column col is aligned with aligns[col], or the last of aligns if there are fewer.
func renderTable(headers []string, rows [][]string, marked []bool, aligns ...lipgloss.Position) string {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := cellStyle
			switch {
			case row < 0:
				return headerStyle.Align(lipgloss.Center)
			case row < len(marked) && marked[row]:
				style = markedStyle
			}
			if len(aligns) > 0 {
				return style.Align(aligns[min(col, len(aligns)-1)])
			}
			return style
		}).
		Render()
}

// printVariables lists the variables in ctx. Frozen (not trainable) variables are marked.
func printVariables(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Variables"))
	type varRow struct {
		cells  []string
		frozen bool
	}
	var rows []varRow
	var numTrainable, numFrozen int
	ctx.EnumerateVariables(func(v *context.Variable) {
		shape := v.Shape()
		if v.Trainable {
			numTrainable += shape.Size()
		} else {
			numFrozen += shape.Size()
		}
		trainable := "yes"
		if !v.Trainable {
			trainable = "frozen"
		}
		rows = append(rows, varRow{
			cells: []string{
				v.Scope(), v.Name(), shape.String(), trainable,
				humanize.Comma(int64(shape.Size())),
				humanize.Bytes(uint64(shape.Memory())),
			},
			frozen: !v.Trainable,
		})
	})
	slices.SortFunc(rows, func(a, b varRow) int {
		if cmp := strings.Compare(a.cells[0], b.cells[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.cells[1], b.cells[1])
	})
	cells := make([][]string, len(rows))
	frozen := make([]bool, len(rows))
	for ii, row := range rows {
		cells[ii], frozen[ii] = row.cells, row.frozen
	}
	fmt.Println(renderTable([]string{"Scope", "Name", "Shape", "Trainable", "Size", "Bytes"}, cells, frozen,
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Center, lipgloss.Right))
	fmt.Printf("  Trainable parameters: %s, frozen parameters: %s\n",
		humanize.Comma(int64(numTrainable)), humanize.Comma(int64(numFrozen)))
}

// printAttention shows the attention weights of each example of the batch, with the predicted and expected labels.
// Examples whose prediction is wrong are marked.
func printAttention(batch *textclf.Batch, prediction *textclf.Prediction) {
	fmt.Println(titleStyle.Render("Attention weights"))
	maxLen := batch.MaxLen()
	headers := []string{"Example", "Label", "Predicted"}
	for pos := range maxLen {
		headers = append(headers, fmt.Sprintf("#%d", pos))
	}
	var rows [][]string
	var wrongs []bool
	for exampleIdx := range batch.Size() {
		row := []string{
			humanize.Comma(int64(exampleIdx)),
			"-",
			fmt.Sprintf("%d", prediction.Labels[exampleIdx]),
		}
		wrong := false
		if batch.Labels != nil {
			row[1] = fmt.Sprintf("%d", batch.Labels[exampleIdx])
			wrong = batch.Labels[exampleIdx] != prediction.Labels[exampleIdx]
		}
		for pos := range maxLen {
			cell := ""
			if batch.Mask[exampleIdx][pos] != 0 {
				cell = fmt.Sprintf("%d: %.2f", batch.Tokens[exampleIdx][pos], prediction.Weights[exampleIdx][pos])
			}
			row = append(row, cell)
		}
		rows = append(rows, row)
		wrongs = append(wrongs, wrong)
	}
	fmt.Println(renderTable(headers, rows, wrongs, lipgloss.Right))
}
