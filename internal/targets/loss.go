package targets

import "math"

const lossEps = 1e-8

// GIoULoss1D is 1 - GIoU between a predicted and target segment, both given
// as (left, right) distances from the same anchor point.
func GIoULoss1D(predLeft, predRight, tgtLeft, tgtRight float64) float64 {
	inter := min(predLeft, tgtLeft) + min(predRight, tgtRight)
	union := predLeft + predRight + tgtLeft + tgtRight - inter
	iou := inter / max(union, lossEps)

	enclosing := max(predLeft, tgtLeft) + max(predRight, tgtRight)
	giou := iou - (enclosing-union)/max(enclosing, lossEps)
	return 1 - giou
}

// SigmoidFocalLoss is the binary focal loss of a logit against a target in
// [0, 1]. alpha < 0 disables class balancing.
func SigmoidFocalLoss(logit, target, alpha, gamma float64) float64 {
	p := 1 / (1 + math.Exp(-logit))
	// Numerically stable binary cross-entropy with logits.
	ce := max(logit, 0) - logit*target + math.Log1p(math.Exp(-math.Abs(logit)))
	pt := p*target + (1-p)*(1-target)
	loss := ce * math.Pow(1-pt, gamma)
	if alpha >= 0 {
		loss *= alpha*target + (1-alpha)*(1-target)
	}
	return loss
}
