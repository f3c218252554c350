package main

import (
	_ "embed"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/JaceDashS/tactus"
	"github.com/JaceDashS/tactus/cmd"
	"github.com/JaceDashS/tactus/oto"
	"github.com/JaceDashS/tactus/playback"
	"github.com/JaceDashS/tactus/session"
	"github.com/JaceDashS/tactus/synth"
	"github.com/JaceDashS/tactus/version"
)

//go:embed demo.yml
var demoYaml []byte

// playTail keeps the output open a moment after the last note so releases can
// ring out.
const playTail = 1.0

func main() {
	prefs := MakePreferences()
	versionFlag := pflag.BoolP("version", "v", false, "Print version and exit.")
	from := pflag.Float64P("from", "f", 0, "Start playing from `SECONDS`.")
	loopStr := pflag.StringP("loop", "l", "", "Loop playback over `START:END` seconds.")
	metronome := pflag.BoolP("metronome", "m", false, "Play a click on every beat.")
	lookahead := pflag.Float64("lookahead", prefs.Audio.Lookahead, "Schedule notes this many `SECONDS` ahead.")
	rate := pflag.Int("rate", prefs.Audio.SampleRate, "Sample rate for synthesis and rendering.")
	bufferMillis := pflag.Int("buffer", prefs.Audio.BufferMillis, "Audio buffer length in `MILLISECONDS`.")
	midiPrefix := pflag.String("midi", "", "Send notes to the first MIDI output whose name starts with `PREFIX` instead of synthesizing.")
	wavOut := pflag.StringP("wav", "w", "", "Render the project to `FILE` as .wav instead of playing.")
	rawOut := pflag.String("raw", "", "Render the project to `FILE` as headerless samples instead of playing.")
	pcm16 := pflag.BoolP("pcm16", "c", false, "Convert audio to 16-bit signed PCM when rendering files.")
	dump := pflag.BoolP("dump", "d", false, "Print the scheduled events of the project and exit.")
	hostAddr := pflag.String("host", "", "Host a session for other players on `ADDR`, e.g. :7750.")
	joinAddr := pflag.StringP("join", "j", "", "Join the session hosted at `ADDR`.")
	name := pflag.StringP("name", "n", prefs.Session.Name, "Peer name used in sessions.")
	quiet := pflag.BoolP("quiet", "q", false, "Only log warnings and errors.")
	debugLog := pflag.Bool("debug", false, "Log debug details such as clock jitter reports.")
	pflag.Usage = printUsage
	pflag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	logrus.SetLevel(logrus.InfoLevel)
	if *quiet {
		logrus.SetLevel(logrus.WarnLevel)
	}
	if *debugLog {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if prefs.YmlError != nil {
		logrus.WithError(prefs.YmlError).Warn("preferences.yml could not be read, using defaults")
	}
	loop, err := parseLoop(*loopStr)
	if err != nil {
		logrus.Fatalf("could not parse the loop range: %v", err)
	}
	var project tactus.Project
	if args := pflag.Args(); len(args) > 0 {
		project, err = tactus.LoadProject(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
	} else {
		project, err = tactus.UnmarshalProject(demoYaml)
		if err != nil {
			panic(fmt.Errorf("failed to unmarshal the demo project: %w", err))
		}
		logrus.Info("no project file given, playing the demo")
	}
	if *dump {
		spew.Dump(playback.Materialize(project, *metronome))
		return
	}
	if *wavOut != "" || *rawOut != "" {
		render(project, *rate, *metronome, *wavOut, *rawOut, *pcm16)
		return
	}
	var backend tactus.Backend
	var closeBackend func()
	opt := playback.EngineOptions{}
	if pflag.CommandLine.Changed("midi") {
		out, err := cmd.NewMIDIBackend(*midiPrefix)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		backend = out
		closeBackend = func() {
			if err := out.Close(); err != nil {
				logrus.WithError(err).Warn("could not close the MIDI output")
			}
		}
	} else {
		ready := make(chan struct{})
		source := synth.New(*rate, ready)
		output, err := oto.NewOutput(source, *rate, *bufferMillis)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		go func() {
			<-output.Ready()
			close(ready)
		}()
		backend = source
		closeBackend = func() {
			if err := output.Close(); err != nil {
				logrus.WithError(err).Warn("could not close the audio output")
			}
		}
		opt.TickInterval = output.BufferPeriod()
	}
	engine, err := playback.NewEngine(playback.NewBroker(), backend, opt)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	engine.SetProject(project)
	engine.SetMetronome(*metronome)
	engine.SetLookahead(*lookahead)
	if loop.Enabled {
		engine.SetLoop(loop)
	}
	go logEngineEvents(engine.Events())
	peer := *name
	if peer == "" {
		peer = defaultPeerName()
	}
	engine.SetPeerID(peer)
	var hub *session.Hub
	var client *session.Client
	switch {
	case *hostAddr != "":
		hub, err = session.NewHub(*hostAddr, engine.HandleTransport, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("could not host a session: %v", err)
		}
		engine.SetRole(playback.RoleHost)
		engine.SetTransportOutput(hub.Broadcast)
		logrus.Infof("hosting session on %v as %v", hub.Addr(), peer)
	case *joinAddr != "":
		client, err = session.Join(*joinAddr, engine.HandleTransport, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("could not join the session: %v", err)
		}
		engine.SetTransportOutput(func(msg playback.TransportMessage) {
			if err := client.Send(msg); err != nil {
				logrus.WithError(err).Warn("could not send a transport message")
			}
		})
		logrus.Infof("joined session at %v as %v", *joinAddr, peer)
	}
	end, _ := tactus.TicksToSeconds(project.EndTick(), 0, project.Tempo, project.TimeSignature(), project.PPQN)
	if *joinAddr == "" || pflag.CommandLine.Changed("from") {
		engine.PlayFrom(*from)
	} else {
		logrus.Info("waiting for the host to start playback")
	}
	holdOpen := loop.Enabled || *hostAddr != "" || *joinAddr != ""
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-sigs:
			break wait
		case <-ticker.C:
			if !holdOpen && engine.CurrentTime() >= end+playTail {
				break wait
			}
		}
	}
	engine.Close()
	if closeBackend != nil {
		closeBackend()
	}
	if hub != nil {
		hub.Close()
	}
	if client != nil {
		client.Close()
	}
}

// render bounces the project offline and writes the requested files.
func render(project tactus.Project, rate int, metronome bool, wavOut, rawOut string, pcm16 bool) {
	buffer := synth.Render(project, rate, metronome)
	if wavOut != "" {
		contents, err := tactus.Wav(buffer, rate, pcm16)
		if err != nil {
			logrus.Fatalf("could not generate the .wav file: %v", err)
		}
		if err := os.WriteFile(wavOut, contents, 0644); err != nil {
			logrus.Fatalf("could not write %v: %v", wavOut, err)
		}
		logrus.Infof("wrote %v", wavOut)
	}
	if rawOut != "" {
		contents, err := tactus.Raw(buffer, pcm16)
		if err != nil {
			logrus.Fatalf("could not generate the sample data: %v", err)
		}
		if err := os.WriteFile(rawOut, contents, 0644); err != nil {
			logrus.Fatalf("could not write %v: %v", rawOut, err)
		}
		logrus.Infof("wrote %v", rawOut)
	}
}

// logEngineEvents turns broker diagnostics into log lines, deduplicating
// alerts by name so a struggling scheduler does not flood the output.
func logEngineEvents(events <-chan playback.MsgToEngine) {
	lastAlert := map[string]time.Time{}
	for msg := range events {
		if msg.HasAlert {
			alert := msg.Alert
			last, seen := lastAlert[alert.Name]
			if !seen || time.Since(last) >= alert.Duration {
				lastAlert[alert.Name] = time.Now()
				switch alert.Priority {
				case playback.Error:
					logrus.Error(alert.Message)
				case playback.Warning:
					logrus.Warn(alert.Message)
				default:
					logrus.Info(alert.Message)
				}
			}
		}
		if msg.HasJitter {
			logrus.Debugf("clock jitter over %d ticks: mean %.2fms, peak %.2fms",
				msg.Jitter.Count, msg.Jitter.Mean*1000, msg.Jitter.Peak*1000)
		}
	}
}

// parseLoop parses a START:END seconds range, e.g. "0:12.5".
func parseLoop(s string) (playback.Loop, error) {
	if s == "" {
		return playback.Loop{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return playback.Loop{}, fmt.Errorf("%q is not a START:END range", s)
	}
	start, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return playback.Loop{}, fmt.Errorf("%q is not a number: %v", parts[0], err)
	}
	end, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return playback.Loop{}, fmt.Errorf("%q is not a number: %v", parts[1], err)
	}
	if end <= start {
		return playback.Loop{}, fmt.Errorf("loop end %v is not after start %v", end, start)
	}
	return playback.Loop{Start: start, End: end, Enabled: true}, nil
}

func defaultPeerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "player"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Tactus command line player for .yml/.json project files.\nUsage: %s [flags] [projectfile]\n", os.Args[0])
	pflag.PrintDefaults()
}
