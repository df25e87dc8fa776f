package gui

import (
	"context"
	"fmt"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"socquery/battery"
	"socquery/canbus"
	"socquery/drivers"
	"socquery/ecus"
	"socquery/logging"
)

const (
	windowName                  = "socquery"
	manualFrameEntryPlaceholder = "enter can bus message here"
	maxLogCharsLen              = 8192
	unknownSOC                  = "--"
)

// GUI shows the latest SOC readings next to the bus log. It implements io.Writer so it can be
// registered as a log sink.
type GUI struct {
	app    fyne.App
	window fyne.Window
	d      drivers.Driver
	ecu    ecus.ECU
	l      *logging.Logger

	// state
	mu         sync.Mutex
	logText    []rune
	autoScroll bool

	// UI elements
	socLabels          map[battery.Identifier]*widget.Label
	updatedLabel       *widget.Label
	queryButton        *widget.Button
	logScrollContainer *container.Scroll
	logLabel           *widget.Label
	manualFrameEntry   *widget.Entry
}

func New(d drivers.Driver, ecu ecus.ECU, l *logging.Logger) *GUI {
	g := &GUI{
		d:          d,
		ecu:        ecu,
		l:          l,
		autoScroll: true,
		socLabels:  make(map[battery.Identifier]*widget.Label),
	}

	for _, id := range battery.Identifiers() {
		g.socLabels[id] = widget.NewLabel(unknownSOC)
	}
	g.updatedLabel = widget.NewLabel("never read")
	g.queryButton = widget.NewButton("Query now", nil)
	g.queryButton.Disable()

	g.logLabel = widget.NewLabel("")
	g.logLabel.Wrapping = fyne.TextWrapWord
	g.logScrollContainer = container.NewVScroll(g.logLabel)
	g.logScrollContainer.SetMinSize(fyne.NewSize(400, 300))

	// Turn off auto scroll when user scrolls up.
	g.logScrollContainer.OnScrolled = func(offset fyne.Position) {
		nearBottom := offset.Y+g.logScrollContainer.Size().Height >= g.logScrollContainer.Content.Size().Height-20
		g.mu.Lock()
		g.autoScroll = nearBottom
		g.mu.Unlock()
	}

	g.manualFrameEntry = widget.NewEntry()
	g.manualFrameEntry.SetPlaceHolder(manualFrameEntryPlaceholder)
	return g
}

// OnQuery enables the query button, running fn in the background each time it is pressed.
func (g *GUI) OnQuery(ctx context.Context, fn func(ctx context.Context)) {
	g.queryButton.OnTapped = func() {
		g.queryButton.Disable()
		go func() {
			defer g.queryButton.Enable()
			fn(ctx)
		}()
	}
	g.queryButton.Enable()
}

// ShowReading displays r in the battery panel.
func (g *GUI) ShowReading(r battery.Reading) {
	label, ok := g.socLabels[r.Identifier]
	if !ok {
		return
	}
	if r.Available {
		label.SetText(fmt.Sprintf("%.1f %%", r.SOC))
	} else {
		label.SetText(unknownSOC)
	}
	g.updatedLabel.SetText(fmt.Sprintf("updated %s", r.At.Format("15:04:05")))
}

// Write appends p to the log view, keeping only the newest maxLogCharsLen characters.
func (g *GUI) Write(p []byte) (int, error) {
	g.mu.Lock()
	g.logText = append(g.logText, []rune(string(p))...)
	if len(g.logText) > maxLogCharsLen {
		g.logText = g.logText[len(g.logText)-maxLogCharsLen:]
	}
	text := string(g.logText)
	autoScroll := g.autoScroll
	g.mu.Unlock()

	g.logLabel.SetText(text)
	if autoScroll {
		g.logScrollContainer.ScrollToBottom()
	}
	return len(p), nil
}

func (g *GUI) batteryPanel() fyne.CanvasObject {
	form := container.NewGridWithColumns(2)
	for _, id := range battery.Identifiers() {
		form.Add(widget.NewLabelWithStyle(id.String(), fyne.TextAlignLeading, fyne.TextStyle{Bold: true}))
		form.Add(g.socLabels[id])
	}
	return container.NewVBox(
		widget.NewLabel(g.ecu.String()),
		form,
		container.NewHBox(g.queryButton, g.updatedLabel),
	)
}

// Run opens the window and blocks until it is closed or ctx is done.
func (g *GUI) Run(ctx context.Context) {
	g.app = app.New()
	g.app.Settings().SetTheme(SocqueryTheme{})

	sendManualFrameButton := widget.NewButton("Send CAN", func() { g.sendManualFrame(ctx) })
	manualFrameEntryContainer := container.NewBorder(nil, nil, nil, sendManualFrameButton, g.manualFrameEntry)

	content := container.NewBorder(
		g.batteryPanel(),
		manualFrameEntryContainer,
		nil,
		nil,
		g.logScrollContainer,
	)

	g.window = g.app.NewWindow(windowName)
	g.window.SetContent(content)
	g.window.Resize(fyne.NewSize(600, 500))

	stop := context.AfterFunc(ctx, g.app.Quit)
	defer stop()

	g.window.ShowAndRun()
}

// sendManualFrame sends the entered bytes from the tester id of the selected ECU.
func (g *GUI) sendManualFrame(ctx context.Context) {
	if g.manualFrameEntry.Text == "" {
		return
	}

	frame, err := canbus.StringToFrame(g.ecu.Bus, g.ecu.Address.ID, g.manualFrameEntry.Text)
	if err != nil {
		g.l.WriteToLog(fmt.Sprintf("error: parsing frame: %v", err), logging.LogTypeLog)
		return
	}
	if err := g.d.SendFrame(ctx, frame); err != nil {
		g.l.WriteToLog(fmt.Sprintf("error: sending manual frame: %v", err), logging.LogTypeLog)
		return
	}
	g.l.WriteToLog(fmt.Sprintf("Sent: %s", frame), logging.LogTypeLog)
	g.manualFrameEntry.SetText("")
}
