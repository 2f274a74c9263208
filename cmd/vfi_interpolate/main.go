// vfi_interpolate synthesizes the frame between two frames with a trained interpolation model.
//
// Usage:
//
//	vfi_interpolate -frame0=a.png -frame1=b.png -out=mid.png [-timestep=0.5] [-tta|-fast_tta] [-down_scale=0.5]
//
// The model is restored from the current record of -model under -root, as written by vfi.Model.Save.
package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gomlx/sgmvfi/pkg/frames"
	"github.com/gomlx/sgmvfi/pkg/vfi"
)

var (
	flagFrame0 = flag.String("frame0", "", "First input frame.")
	flagFrame1 = flag.String("frame1", "", "Second input frame.")
	flagOut    = flag.String("out", "", "Output file for the interpolated frame. The format is taken from the extension.")

	flagRoot     = flag.String("root", "log", "Root directory of the records.")
	flagModel    = flag.String("model", "ours", "Name of the model to restore.")
	flagChannels = flag.Int("channels", 16, "Base channel count the model was trained with.")
	flagStages   = flag.Int("stages", 2, "Number of coarse refinement stages the model was trained with.")

	flagTimestep  = flag.Float64("timestep", 0.5, "Time of the synthesized frame, in [0, 1].")
	flagTTA       = flag.Bool("tta", false, "Average with the prediction on the spatially flipped frames.")
	flagFastTTA   = flag.Bool("fast_tta", false, "Like -tta, but running both passes in one batch.")
	flagDownScale = flag.Float64("down_scale", 1.0, "Estimate the flow at this fraction of the resolution, in (0, 1].")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagFrame0 == "" || *flagFrame1 == "" || *flagOut == "" {
		klog.Fatalf("-frame0, -frame1 and -out must be given")
	}

	ctx := vfi.CreateDefaultContext()
	ctx.SetParams(map[string]any{
		vfi.ParamCheckpointRoot:  *flagRoot,
		vfi.ParamModelName:       *flagModel,
		vfi.ParamNetworkChannels: *flagChannels,
		vfi.ParamNetworkStages:   *flagStages,
	})
	backend := backends.MustNew()
	defer backend.Finalize()

	// The saved record holds every branch, so the pretrained sources aren't needed.
	model := must.M1(vfi.New(backend, ctx, vfi.Options{LocalRank: -1, SkipPretrained: true}))
	must.M(model.LoadModel(""))
	model.Eval()

	img0 := must.M1(frames.Load(*flagFrame0))
	img1 := must.M1(frames.Load(*flagFrame1))
	t0, t1, pad := must.M3(frames.Pair(img0, img1, frames.DefaultMultiple))

	var b *vfi.InferenceBuilder
	if *flagDownScale != 1.0 {
		b = model.HRInference(t0, t1).DownScale(*flagDownScale)
	} else {
		b = model.Inference(t0, t1)
	}
	b = b.Timestep(*flagTimestep)
	if *flagFastTTA {
		b = b.FastTTA()
	} else if *flagTTA {
		b = b.TTA()
	}
	pred := must.M1(b.Done())
	must.M(frames.Save(*flagOut, must.M1(frames.ToImage(pred, pad))))
	klog.Infof("interpolated frame at t=%g written to %q", *flagTimestep, *flagOut)
}
