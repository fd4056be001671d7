/*Command beamctld is a thin composition example: it loads a beamcfg
config, builds exactly one executor per named transport (shared by every
axis wired onto that bus), and builds the resulting axis.Axis values on
top of it. It does not implement the client-facing socket server or
command grammar — that is a separate, unbuilt concern this repository
intentionally stops short of (see DESIGN.md).
*/
package main

import (
	"context"
	"flag"
	"log"

	"golang.org/x/time/rate"

	"github.com/nasa-jpl/beamctl/axis"
	"github.com/nasa-jpl/beamctl/beamcfg"
	"github.com/nasa-jpl/beamctl/comm"
	"github.com/nasa-jpl/beamctl/executor"
	"github.com/nasa-jpl/beamctl/modbus"
	"github.com/nasa-jpl/beamctl/posloop"
	"github.com/nasa-jpl/beamctl/rf256"
	"github.com/nasa-jpl/beamctl/stepper"
)

// stepperOp is one operation against a stepper.Controller, closed over its
// arguments; submitting one through an executor.Executor serializes it
// against every other op on every axis sharing the same transport.
type stepperOp func(stepper.Controller) (interface{}, error)

type motorExecutor = executor.Executor[stepper.Controller, stepperOp, interface{}]

// queuedController adapts one axis's slot in a shared motorExecutor back
// into a plain stepper.Controller, so package axis never has to know its
// motor calls are being serialized behind other axes' traffic on the same
// bus.
type queuedController struct {
	axis int
	exec *motorExecutor
}

func (q queuedController) submit(op stepperOp) (interface{}, error) {
	return q.exec.Submit(context.Background(), q.axis, op)
}

func (q queuedController) SetVelocity(v uint16) error {
	_, err := q.submit(func(c stepper.Controller) (interface{}, error) { return nil, c.SetVelocity(v) })
	return err
}

func (q queuedController) GetVelocity() (uint16, error) {
	r, err := q.submit(func(c stepper.Controller) (interface{}, error) { return c.GetVelocity() })
	if err != nil {
		return 0, err
	}
	return r.(uint16), nil
}

func (q queuedController) SetAcceleration(v uint16) error {
	_, err := q.submit(func(c stepper.Controller) (interface{}, error) { return nil, c.SetAcceleration(v) })
	return err
}

func (q queuedController) GetAcceleration() (uint16, error) {
	r, err := q.submit(func(c stepper.Controller) (interface{}, error) { return c.GetAcceleration() })
	if err != nil {
		return 0, err
	}
	return r.(uint16), nil
}

func (q queuedController) SetDeceleration(v uint16) error {
	_, err := q.submit(func(c stepper.Controller) (interface{}, error) { return nil, c.SetDeceleration(v) })
	return err
}

func (q queuedController) GetDeceleration() (uint16, error) {
	r, err := q.submit(func(c stepper.Controller) (interface{}, error) { return c.GetDeceleration() })
	if err != nil {
		return 0, err
	}
	return r.(uint16), nil
}

func (q queuedController) MoveRelative(steps int32, subSteps int16) error {
	_, err := q.submit(func(c stepper.Controller) (interface{}, error) {
		return nil, c.MoveRelative(steps, subSteps)
	})
	return err
}

func (q queuedController) Stop() error {
	_, err := q.submit(func(c stepper.Controller) (interface{}, error) { return nil, c.Stop() })
	return err
}

func (q queuedController) GetState() (stepper.State, error) {
	r, err := q.submit(func(c stepper.Controller) (interface{}, error) { return c.GetState() })
	if err != nil {
		return stepper.State{}, err
	}
	return r.(stepper.State), nil
}

var _ stepper.Controller = queuedController{}

// positionerOp is one read against a posloop.Positioner.
type positionerOp func(posloop.Positioner) (float32, error)

type encoderExecutor = executor.Executor[posloop.Positioner, positionerOp, float32]

// queuedPositioner is the encoder-side analogue of queuedController.
type queuedPositioner struct {
	axis int
	exec *encoderExecutor
}

func (q queuedPositioner) ReadPosition() (float32, error) {
	return q.exec.Submit(context.Background(), q.axis, func(p posloop.Positioner) (float32, error) {
		return p.ReadPosition()
	})
}

var _ posloop.Positioner = queuedPositioner{}

func dialBus(busCfg beamcfg.Transport) *comm.LazyTransport {
	return comm.NewLazyTransport(busCfg.Addr, comm.Timeouts{
		Connect: busCfg.ConnectTimeout(),
		Read:    busCfg.ReadTimeout(),
		Write:   busCfg.WriteTimeout(),
	}, busCfg.MaxReopenTries)
}

// buildMotorExecutors builds exactly one motorExecutor per named bus that
// at least one axis's Motor field references, with that bus's device
// table populated for every axis wired onto it — so axes sharing a bus
// also share the bus's single transport and single FIFO worker.
func buildMotorExecutors(cfg beamcfg.Config) (map[string]*motorExecutor, error) {
	execs := make(map[string]*motorExecutor)
	for _, axisCfg := range cfg.Axes {
		if _, ok := execs[axisCfg.Motor]; ok {
			continue
		}
		busCfg, err := cfg.Transport(axisCfg.Motor)
		if err != nil {
			return nil, err
		}
		transport := dialBus(busCfg)

		devices := make(map[int]stepper.Controller)
		for _, a := range cfg.Axes {
			if a.Motor != axisCfg.Motor {
				continue
			}
			switch a.Stepper {
			case beamcfg.StepperStanda:
				devices[a.Index] = stepper.NewStanda(transport)
			default:
				client := modbus.NewClient(a.ModbusUnitID, transport)
				devices[a.Index] = stepper.NewEM2RS(client, a.LowLimitBit, a.HighLimitBit)
			}
		}

		execs[axisCfg.Motor] = executor.New[stepper.Controller, stepperOp, interface{}](devices, 16, transport, nil,
			func(_ context.Context, device stepper.Controller, op stepperOp) (interface{}, error) {
				return op(device)
			})
	}
	return execs, nil
}

// buildEncoderExecutors is the encoder-bus analogue of buildMotorExecutors.
func buildEncoderExecutors(cfg beamcfg.Config) (map[string]*encoderExecutor, error) {
	execs := make(map[string]*encoderExecutor)
	for _, axisCfg := range cfg.Axes {
		if _, ok := execs[axisCfg.Encoder]; ok {
			continue
		}
		busCfg, err := cfg.Transport(axisCfg.Encoder)
		if err != nil {
			return nil, err
		}
		transport := dialBus(busCfg)

		devices := make(map[int]posloop.Positioner)
		for _, a := range cfg.Axes {
			if a.Encoder != axisCfg.Encoder {
				continue
			}
			devices[a.Index] = rf256.NewDevice(a.ModbusUnitID, transport)
		}

		limiter := rate.NewLimiter(rate.Limit(50), 1) // encoders are polled far more often than moved
		execs[axisCfg.Encoder] = executor.New[posloop.Positioner, positionerOp, float32](devices, 16, transport, limiter,
			func(_ context.Context, device posloop.Positioner, op positionerOp) (float32, error) {
				return op(device)
			})
	}
	return execs, nil
}

func buildAxes(cfg beamcfg.Config) (map[int]*axis.Axis, error) {
	motorExecs, err := buildMotorExecutors(cfg)
	if err != nil {
		return nil, err
	}
	encoderExecs, err := buildEncoderExecutors(cfg)
	if err != nil {
		return nil, err
	}

	axes := make(map[int]*axis.Axis, len(cfg.Axes))
	for _, axisCfg := range cfg.Axes {
		motor := queuedController{axis: axisCfg.Index, exec: motorExecs[axisCfg.Motor]}
		encoder := queuedPositioner{axis: axisCfg.Index, exec: encoderExecs[axisCfg.Encoder]}

		axes[axisCfg.Index] = axis.New(axis.Config{
			Index:        axisCfg.Index,
			StepsPerUnit: axisCfg.StepsPerUnit,
			Direction:    axisCfg.Direction,
			Limit:        axisCfg.SoftLimit,
		}, encoder, motor, nil)
	}
	return axes, nil
}

func main() {
	configPath := flag.String("config", "beamctl.toml", "path to the beamctl TOML config file")
	flag.Parse()

	cfg, err := beamcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("beamctld: %v", err)
	}

	axes, err := buildAxes(cfg)
	if err != nil {
		log.Fatalf("beamctld: %v", err)
	}
	for _, axisCfg := range cfg.Axes {
		log.Printf("beamctld: axis %d ready (%s stepper, steps/unit=%v, bus=%s)",
			axisCfg.Index, axisCfg.Stepper, axisCfg.StepsPerUnit, axisCfg.Motor)
	}

	log.Printf("beamctld: %d axes configured; this build does not expose a client-facing socket", len(axes))
	// A real deployment would accept connections here and translate the
	// command grammar into axis.MoveTo/Stop/GetState calls; that surface
	// is out of scope for this composition example.
	select {}
}
