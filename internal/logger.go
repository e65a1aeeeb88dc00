package internal

import (
	"fmt"
	"log"
	"time"
)

const logQueueSize = 100

type logLevel int

const (
	levelInfo logLevel = iota
	levelWarning
	levelError
	levelRaw
)

// marker is the single-character prefix of a console line; it is also
// stored with the database record.
func (lv logLevel) marker() string {
	switch lv {
	case levelWarning:
		return "?"
	case levelError:
		return "!"
	case levelRaw:
		return "-"
	}
	return " "
}

// Logger fans log records out to the console and, when configured, to the
// database. Records pass through a queue so protocol handlers never block
// on a slow write.
type Logger struct {
	database  Database
	location  *time.Location
	debugMode bool
	queue     chan *FeatureLogMessage
}

func NewLogger(location *time.Location) *Logger {
	l := &Logger{
		location: location,
		queue:    make(chan *FeatureLogMessage, logQueueSize),
	}
	go l.run()
	return l
}

func (l *Logger) SetDebugMode(debugMode bool) {
	l.debugMode = debugMode
}

func (l *Logger) SetDatabase(database Database) {
	l.database = database
}

func (l *Logger) run() {
	for message := range l.queue {
		line := fmt.Sprintf("[%s] %s: %s", message.ChargePointId, message.Feature, message.Text)
		l.print(message.Importance, line)

		if l.database != nil {
			if err := l.database.WriteLogMessage(message); err != nil {
				l.print(levelError.marker(), fmt.Sprintf("write log to database failed: %s", err))
			}
		}
	}
}

// print drops plain info lines once the database keeps the full record
func (l *Logger) print(marker, line string) {
	if marker == levelInfo.marker() && l.database != nil {
		return
	}
	log.Printf("%s %s", marker, line)
}

func (l *Logger) FeatureEvent(feature, id, text string) {
	l.push(levelInfo, feature, id, text)
}

func (l *Logger) Debug(text string) {
	l.push(levelInfo, "info", "", text)
}

func (l *Logger) Warn(text string) {
	l.push(levelWarning, "warning", "", text)
}

func (l *Logger) Error(text string, err error) {
	l.push(levelError, "error", "", fmt.Sprintf("%s: %s", text, err))
}

func (l *Logger) RawDataEvent(direction, data string) {
	if l.debugMode {
		l.push(levelRaw, "raw", "", fmt.Sprintf("%s: %s", direction, data))
	}
}

func (l *Logger) push(level logLevel, feature, id, text string) {
	if id == "" {
		id = "*"
	}
	now := time.Now()
	l.queue <- &FeatureLogMessage{
		Time:          now.In(l.location).Format("2006-01-02 15:04:05"),
		TimeStamp:     now.UTC(),
		Feature:       feature,
		ChargePointId: id,
		Text:          text,
		Importance:    level.marker(),
	}
}
